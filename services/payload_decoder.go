package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"facial-sync-service/models"
)

// 解码相关哨兵错误
var (
	ErrNoJSONPayload = errors.New("负载中未找到有效的JSON对象")
	ErrNoBoundary    = errors.New("multipart负载中未找到boundary")
)

// decodePayload 从任意编码的终端推送负载中恢复一个JSON对象。
// 分类规则：Content-Type含multipart走multipart解码；否则先按UTF-8 JSON解析；
// 失败再按原始二进制解码。返回检测到的格式。
func decodePayload(data []byte, contentType string) (map[string]interface{}, string, error) {
	if strings.Contains(strings.ToLower(contentType), "multipart") {
		obj, err := extractJSONFromMultipart(data, contentType)
		if err != nil {
			return nil, "", err
		}
		return obj, models.PayloadFormatMultipart, nil
	}

	var obj map[string]interface{}
	if utf8.Valid(data) {
		if err := json.Unmarshal(data, &obj); err == nil {
			return obj, models.PayloadFormatJSON, nil
		}
	}

	obj, err := extractJSONFromBinary(data)
	if err != nil {
		return nil, "", err
	}
	return obj, models.PayloadFormatBinary, nil
}

// extractJSONFromMultipart 从multipart负载中提取JSON对象。
// boundary取自Content-Type头，取不到时扫描负载前部定位以"--"开头的分隔行。
// 在声明为application/json的部分内，截取首个'{'到最后一个'}'之间的内容解析。
func extractJSONFromMultipart(data []byte, contentType string) (map[string]interface{}, error) {
	boundary := boundaryFromContentType(contentType)

	if boundary == "" {
		head := data
		if len(head) > 500 {
			head = head[:500]
		}
		for _, line := range bytes.Split(head, []byte("\r\n")) {
			if bytes.HasPrefix(line, []byte("--")) && len(line) > 10 {
				boundary = string(line[2:])
				break
			}
		}
	}

	if boundary == "" {
		return nil, ErrNoBoundary
	}

	parts := bytes.Split(data, []byte("--"+boundary))
	for _, part := range parts {
		if !bytes.Contains(part, []byte("application/json")) {
			continue
		}

		idx := bytes.Index(part, []byte("\r\n\r\n"))
		if idx < 0 {
			continue
		}
		content := string(part[idx+4:])

		jsonStart := strings.Index(content, "{")
		jsonEnd := strings.LastIndex(content, "}")
		if jsonStart < 0 || jsonEnd <= jsonStart {
			continue
		}

		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(content[jsonStart:jsonEnd+1]), &obj); err != nil {
			return nil, err
		}
		return obj, nil
	}

	return nil, ErrNoJSONPayload
}

// extractJSONFromBinary 在原始字节流中定位首个JSON对象并按括号配平截取。
// 配平逐字节进行，跟踪字符串与转义状态（引号内的'}'不参与配平），
// 跳过非ASCII字节。
func extractJSONFromBinary(data []byte) (map[string]interface{}, error) {
	patterns := [][]byte{
		[]byte(`{"`),
		[]byte("{\r\n"),
		[]byte("{\n"),
		[]byte(`{ "`),
	}

	start := -1
	for _, pattern := range patterns {
		if pos := bytes.Index(data, pattern); pos >= 0 && (start < 0 || pos < start) {
			start = pos
		}
	}
	if start < 0 {
		return nil, ErrNoJSONPayload
	}

	span := data[start:]
	braceCount := 0
	end := -1
	inString := false
	escapeNext := false

	for i := 0; i < len(span); i++ {
		b := span[i]
		if b > 127 {
			// 字符串外的非ASCII字节直接跳过
			continue
		}

		if escapeNext {
			escapeNext = false
			continue
		}

		switch b {
		case '\\':
			escapeNext = true
		case '"':
			inString = !inString
		case '{':
			if !inString {
				braceCount++
			}
		case '}':
			if !inString {
				braceCount--
				if braceCount == 0 {
					end = i + 1
				}
			}
		}

		if end > 0 {
			break
		}
	}

	if end <= 0 {
		return nil, ErrNoJSONPayload
	}

	// 字符串内可能残留非法UTF-8字节，替换后再解析
	jsonStr := strings.ToValidUTF8(string(span[:end]), "�")

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// boundaryFromContentType 从Content-Type头中提取boundary参数
func boundaryFromContentType(contentType string) string {
	idx := strings.Index(contentType, "boundary=")
	if idx < 0 {
		return ""
	}

	boundary := contentType[idx+len("boundary="):]
	if semi := strings.Index(boundary, ";"); semi >= 0 {
		boundary = boundary[:semi]
	}
	return strings.Trim(strings.TrimSpace(boundary), `"`)
}
