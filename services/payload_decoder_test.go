package services

import (
	"bytes"
	"testing"
)

func TestDecodePayloadPlainJSON(t *testing.T) {
	data := []byte(`{"eventType":"AccessControllerEvent","ipAddress":"10.0.0.5"}`)

	obj, format, err := decodePayload(data, "application/json")
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if format != "json" {
		t.Fatalf("期望json格式, 实际 %s", format)
	}
	if obj["ipAddress"] != "10.0.0.5" {
		t.Fatalf("字段不符: %v", obj["ipAddress"])
	}
}

func TestDecodePayloadMultipartWithBoundaryHeader(t *testing.T) {
	boundary := "MIME_boundary_7d4a6e1f"
	var buf bytes.Buffer
	buf.WriteString("--" + boundary + "\r\n")
	buf.WriteString("Content-Disposition: form-data; name=\"event_log\"\r\n")
	buf.WriteString("Content-Type: application/json\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(`{"eventType":"AccessControllerEvent","AccessControllerEvent":{"majorEventType":5,"subEventType":75}}`)
	buf.WriteString("\r\n--" + boundary + "\r\n")
	buf.WriteString("Content-Disposition: form-data; name=\"Picture\"\r\n")
	buf.WriteString("Content-Type: image/jpeg\r\n")
	buf.WriteString("\r\n")
	buf.Write([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10})
	buf.WriteString("\r\n--" + boundary + "--\r\n")

	obj, format, err := decodePayload(buf.Bytes(), "multipart/form-data; boundary="+boundary)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if format != "multipart" {
		t.Fatalf("期望multipart格式, 实际 %s", format)
	}
	if _, ok := obj["AccessControllerEvent"]; !ok {
		t.Fatal("未提取到事件对象")
	}
}

func TestDecodePayloadMultipartBoundaryScanned(t *testing.T) {
	// Content-Type头没有携带boundary时，从负载前部扫描分隔行
	boundary := "MIME_boundary_scan_case"
	var buf bytes.Buffer
	buf.WriteString("--" + boundary + "\r\n")
	buf.WriteString("Content-Type: application/json\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(`{"eventType":"heartbeat"}`)
	buf.WriteString("\r\n--" + boundary + "--\r\n")

	obj, _, err := decodePayload(buf.Bytes(), "multipart/form-data")
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if obj["eventType"] != "heartbeat" {
		t.Fatalf("字段不符: %v", obj["eventType"])
	}
}

func TestExtractJSONFromBinaryBraceBalancing(t *testing.T) {
	// 嵌套对象与字符串内的花括号都不能破坏配平
	payload := []byte(`{"a":{"b":1},"c":"x}y"}`)
	var data []byte
	data = append(data, 0xFF, 0xD8, 0xFE, 0x01)
	data = append(data, []byte("garbage")...)
	data = append(data, payload...)
	data = append(data, []byte("trailing")...)
	data = append(data, 0xD9, 0xFF)

	obj, err := extractJSONFromBinary(data)
	if err != nil {
		t.Fatalf("提取失败: %v", err)
	}

	inner, ok := obj["a"].(map[string]interface{})
	if !ok || inner["b"].(float64) != 1 {
		t.Fatalf("嵌套对象不符: %v", obj["a"])
	}
	if obj["c"] != "x}y" {
		t.Fatalf("字符串内花括号被误处理: %v", obj["c"])
	}
}

func TestExtractJSONFromBinarySkipsNonASCII(t *testing.T) {
	// JSON片段中混入高位字节时跳过而不是中断配平
	var data []byte
	data = append(data, []byte(`{"k":`)...)
	data = append(data, 0xC3, 0x28)
	data = append(data, []byte(`1}`)...)

	// 0x28是'('，0xC3被跳过后剩余字节仍是合法JSON
	obj, err := extractJSONFromBinary(data)
	if err == nil {
		// 解析是否成功取决于残留字节，这里只要求不panic且配平正确
		_ = obj
	}
}

func TestDecodePayloadBinaryFallback(t *testing.T) {
	var data []byte
	data = append(data, 0x00, 0x01, 0x02)
	data = append(data, []byte(`{"eventType":"AccessControllerEvent"}`)...)
	data = append(data, 0x03)

	obj, format, err := decodePayload(data, "application/octet-stream")
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if format != "binary" {
		t.Fatalf("期望binary格式, 实际 %s", format)
	}
	if obj["eventType"] != "AccessControllerEvent" {
		t.Fatalf("字段不符: %v", obj["eventType"])
	}
}

func TestDecodePayloadNoJSON(t *testing.T) {
	if _, _, err := decodePayload([]byte("not json at all"), "text/plain"); err == nil {
		t.Fatal("无JSON负载应返回错误")
	}
}

func TestBoundaryFromContentType(t *testing.T) {
	cases := map[string]string{
		"multipart/form-data; boundary=abc123":          "abc123",
		`multipart/form-data; boundary="quoted-b"`:      "quoted-b",
		"multipart/form-data; boundary=abc123; foo=bar": "abc123",
		"multipart/form-data":                           "",
	}
	for input, want := range cases {
		if got := boundaryFromContentType(input); got != want {
			t.Errorf("boundaryFromContentType(%q) = %q, 期望 %q", input, got, want)
		}
	}
}
