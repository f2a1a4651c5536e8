package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"facial-sync-service/config"
	"facial-sync-service/models"

	"github.com/icholy/digest"
)

// ISAPI响应中的通用状态结构
type isapiResponseStatus struct {
	StatusCode    int    `json:"statusCode"`
	StatusString  string `json:"statusString"`
	SubStatusCode string `json:"subStatusCode"`
}

// 人脸库列表响应 /ISAPI/Intelligent/FDLib
type isapiFaceLibList struct {
	FPLibListInfo struct {
		FPLib []isapiFaceLib `json:"FPLib"`
	} `json:"FPLibListInfo"`
}

type isapiFaceLib struct {
	FDID        string `json:"FDID"`
	FaceLibType string `json:"faceLibType"`
	Name        string `json:"name"`
}

// 创建人脸库请求/响应
type isapiFaceLibInfo struct {
	FPLibInfo struct {
		FaceLibType   string `json:"faceLibType"`
		Name          string `json:"name"`
		CustomInfo    string `json:"customInfo,omitempty"`
		LibArmingType string `json:"libArmingType,omitempty"`
		FDID          string `json:"FDID,omitempty"`
	} `json:"FPLibInfo"`
}

// 人脸数量响应 /ISAPI/Intelligent/FDLib/FaceDataRecord/Count
type isapiFaceCount struct {
	NumOfMatches int `json:"numOfMatches"`
}

// 事件推送地址配置 /ISAPI/Event/notification/httpHosts
type isapiHTTPHostList struct {
	HTTPHostNotificationList struct {
		HTTPHostNotification []isapiHTTPHost `json:"HttpHostNotification"`
	} `json:"HttpHostNotificationList"`
}

type isapiHTTPHost struct {
	ID                       string `json:"id"`
	URL                      string `json:"url"`
	ProtocolType             string `json:"protocolType"`
	ParameterFormatType      string `json:"parameterFormatType"`
	AddressingFormatType     string `json:"addressingFormatType"`
	HTTPAuthenticationMethod string `json:"httpAuthenticationMethod"`
}

// 门禁事件触发器 /ISAPI/Event/triggers/AccessControllerEvent
type isapiAccessEventTrigger struct {
	AccessControllerEventTrigger struct {
		Enabled   bool   `json:"enabled"`
		EventType string `json:"eventType"`
	} `json:"AccessControllerEventTrigger"`
}

// sessionCache 按设备缓存带摘要认证的HTTP客户端，复用keep-alive连接。
// 条目在首次访问时惰性创建，失败时可作废重建，随进程结束销毁。
type sessionCache struct {
	mu       sync.Mutex
	sessions map[string]*http.Client
	timeout  time.Duration
}

func newSessionCache(timeout time.Duration) *sessionCache {
	return &sessionCache{
		sessions: make(map[string]*http.Client),
		timeout:  timeout,
	}
}

// get 获取或创建设备会话
func (c *sessionCache) get(device *models.Device) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.sessions[device.DeviceID]; ok {
		return client
	}

	client := &http.Client{
		Timeout: c.timeout,
		Transport: &digest.Transport{
			Username: device.Username,
			Password: device.Password,
		},
	}
	c.sessions[device.DeviceID] = client
	config.Info("为设备 %s 创建新会话", device.DeviceID)
	return client
}

// invalidate 作废某设备的会话，下次访问时重建
func (c *sessionCache) invalidate(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.sessions[deviceID]; ok {
		client.CloseIdleConnections()
		delete(c.sessions, deviceID)
	}
}

// size 返回缓存中的会话数
func (c *sessionCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// closeAll 关闭全部会话
func (c *sessionCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, client := range c.sessions {
		client.CloseIdleConnections()
		delete(c.sessions, id)
	}
	config.Info("设备会话已全部清理")
}

// deviceBaseURL 构造设备管理口的基地址，默认走SVR端口
func deviceBaseURL(device *models.Device, port int) string {
	return fmt.Sprintf("http://%s:%d", device.IP, port)
}

// devicePorts 按探测顺序返回设备端口：先SVR口，再HTTP口
func devicePorts(device *models.Device, cfg *config.Config) []int {
	svr := device.SVRPort
	if svr == 0 {
		svr = cfg.HikDefaultSVRPort
	}
	httpPort := device.HTTPPort
	if httpPort == 0 {
		httpPort = cfg.HikDefaultHTTPPort
	}
	if svr == httpPort {
		return []int{svr}
	}
	return []int{svr, httpPort}
}

// doRequest 发送一个携带上下文的ISAPI请求并读取响应体
func doRequest(ctx context.Context, client *http.Client, method, url, contentType string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", "FacialSyncService/1.0")
	req.Header.Set("Accept", "application/json, application/xml")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// isapiErrorMessage 从响应体提炼错误描述，取不到时退回HTTP状态码
func isapiErrorMessage(statusCode int, body []byte, status *isapiResponseStatus) string {
	msg := fmt.Sprintf("HTTP %d", statusCode)
	if status != nil && status.StatusString != "" {
		msg += ": " + status.StatusString
	} else if len(body) > 0 {
		text := string(body)
		if len(text) > 200 {
			text = text[:200]
		}
		msg += ": " + strings.TrimSpace(text)
	}
	return msg
}
