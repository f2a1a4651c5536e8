package services

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"facial-sync-service/config"
	"facial-sync-service/models"
)

// 广播主题常量
const (
	// 门禁事件主题
	TopicAccessEvent = "facial_sync/events/access"

	// 同步结果主题
	TopicSyncResult = "facial_sync/sync/result"

	// 设备状态主题
	TopicDeviceStatus = "facial_sync/devices/status"

	// 系统消息主题
	TopicSystemMessage = "facial_sync/system"
)

// MQTTMessage MQTT消息基础结构
type MQTTMessage struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

type InterfaceMQTTEvent interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	PublishAccessEvent(event *models.AccessEvent) error
	PublishSyncResult(result *models.SyncResult) error
	PublishDeviceStatus(deviceID string, online bool, message string) error
	PublishSystemMessage(level, message string) error
}

// MQTTEventService 将门禁事件与同步结果广播到MQTT总线，
// 供第三方系统（考勤、监控大屏）订阅消费
type MQTTEventService struct {
	Config         *config.Config
	Client         mqtt.Client
	isConnected    bool
	connectedMutex sync.RWMutex
	publishMutex   sync.Mutex
}

// NewMQTTEventService 创建MQTT事件广播服务
func NewMQTTEventService(cfg *config.Config) InterfaceMQTTEvent {
	service := &MQTTEventService{
		Config: cfg,
	}
	service.setupMQTTClient()
	return service
}

// setupMQTTClient 设置MQTT客户端
func (s *MQTTEventService) setupMQTTClient() {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.Config.MQTTBrokerURL)
	// 使用唯一的客户端ID，避免同一服务多实例冲突
	opts.SetClientID(fmt.Sprintf("%s-%s", s.Config.MQTTClientID, uuid.New().String()[:8]))
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Second * 30)
	opts.SetKeepAlive(time.Second * 60)
	opts.SetPingTimeout(time.Second * 10)
	opts.SetCleanSession(true)

	if s.Config.MQTTUsername != "" {
		opts.SetUsername(s.Config.MQTTUsername)
		opts.SetPassword(s.Config.MQTTPassword)
	}

	if strings.HasPrefix(s.Config.MQTTBrokerURL, "ssl://") || strings.HasPrefix(s.Config.MQTTBrokerURL, "tls://") {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		config.Warning("MQTT连接丢失: %v", err)
		s.connectedMutex.Lock()
		s.isConnected = false
		s.connectedMutex.Unlock()
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		config.Info("MQTT已连接到 %s", s.Config.MQTTBrokerURL)
		s.connectedMutex.Lock()
		s.isConnected = true
		s.connectedMutex.Unlock()
	})

	s.Client = mqtt.NewClient(opts)
}

// 1 Connect 连接MQTT服务器，指数退避重试
func (s *MQTTEventService) Connect() error {
	s.publishMutex.Lock()
	defer s.publishMutex.Unlock()

	if s.IsConnected() {
		return nil
	}

	maxRetries := 5
	var err error

	for i := 0; i < maxRetries; i++ {
		token := s.Client.Connect()
		if token.WaitTimeout(5*time.Second) && token.Error() == nil {
			s.connectedMutex.Lock()
			s.isConnected = true
			s.connectedMutex.Unlock()
			return nil
		}

		err = token.Error()
		backoff := time.Duration(1<<uint(i)) * time.Second
		config.Warning("MQTT连接尝试 %d/%d 失败: %v, %v 后重试", i+1, maxRetries, err, backoff)
		time.Sleep(backoff)
	}

	return fmt.Errorf("MQTT连接失败，已尝试 %d 次: %v", maxRetries, err)
}

// 2 Disconnect 断开MQTT连接
func (s *MQTTEventService) Disconnect() {
	if s.Client != nil && s.Client.IsConnected() {
		s.Client.Disconnect(250)
	}
}

// 3 IsConnected 返回当前连接状态
func (s *MQTTEventService) IsConnected() bool {
	s.connectedMutex.RLock()
	defer s.connectedMutex.RUnlock()
	return s.isConnected && s.Client.IsConnected()
}

// 4 PublishAccessEvent 广播门禁事件
func (s *MQTTEventService) PublishAccessEvent(event *models.AccessEvent) error {
	return s.publishMessage(TopicAccessEvent, MQTTMessage{
		Type:      "access_event",
		Timestamp: time.Now().UnixMilli(),
		Payload:   event,
	})
}

// 5 PublishSyncResult 广播同步执行结果
func (s *MQTTEventService) PublishSyncResult(result *models.SyncResult) error {
	return s.publishMessage(TopicSyncResult, MQTTMessage{
		Type:      "sync_result",
		Timestamp: time.Now().UnixMilli(),
		Payload:   result,
	})
}

// 6 PublishDeviceStatus 广播设备在线状态变化
func (s *MQTTEventService) PublishDeviceStatus(deviceID string, online bool, message string) error {
	return s.publishMessage(TopicDeviceStatus, MQTTMessage{
		Type:      "device_status",
		Timestamp: time.Now().UnixMilli(),
		Payload: map[string]interface{}{
			"device_id": deviceID,
			"online":    online,
			"message":   message,
		},
	})
}

// 7 PublishSystemMessage 广播系统消息
func (s *MQTTEventService) PublishSystemMessage(level, message string) error {
	return s.publishMessage(TopicSystemMessage, MQTTMessage{
		Type:      "system",
		Timestamp: time.Now().UnixMilli(),
		Payload: map[string]interface{}{
			"level":   level,
			"message": message,
		},
	})
}

// publishMessage 发布消息到指定主题，QoS 1保证至少送达一次
func (s *MQTTEventService) publishMessage(topic string, payload interface{}) error {
	s.publishMutex.Lock()
	defer s.publishMutex.Unlock()

	if !s.IsConnected() {
		return fmt.Errorf("MQTT客户端未连接")
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %v", err)
	}

	token := s.Client.Publish(topic, 1, false, jsonData)
	if !token.WaitTimeout(3 * time.Second) {
		return fmt.Errorf("发布消息超时")
	}
	if token.Error() != nil {
		return fmt.Errorf("发布消息失败: %v", token.Error())
	}
	return nil
}
