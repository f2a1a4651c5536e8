package services

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"facial-sync-service/config"
	"facial-sync-service/models"
)

// WebSocket消息类型
const (
	WSEventAccess       = "event.access"
	WSEventSyncComplete = "sync.completed"
	WSEventDeviceStatus = "device.status"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsEnvelope 下发给前端的统一消息包装
type wsEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// wsClient 单个前端连接
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WebSocketService
}

type InterfaceWebSocket interface {
	HandleConnection(c *gin.Context)
	Broadcast(messageType string, data interface{})
	BroadcastAccessEvent(event *models.AccessEvent)
	BroadcastSyncResult(result *models.SyncResult)
	ClientCount() int
	Close()
}

// WebSocketService 实时推送中心，向所有已连接前端广播门禁事件与同步结果
type WebSocketService struct {
	clients    map[string]*wsClient
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
}

func NewWebSocketService() InterfaceWebSocket {
	s := &WebSocketService{
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
	go s.run()
	return s
}

// run 管理连接注册与消息分发
func (s *WebSocketService) run() {
	for {
		select {
		case <-s.done:
			s.mu.Lock()
			for id, client := range s.clients {
				close(client.send)
				delete(s.clients, id)
			}
			s.mu.Unlock()
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client.id] = client
			total := len(s.clients)
			s.mu.Unlock()
			config.Info("WebSocket客户端接入: %s (当前 %d)", client.id, total)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client.id]; ok {
				delete(s.clients, client.id)
				close(client.send)
			}
			total := len(s.clients)
			s.mu.Unlock()
			config.Info("WebSocket客户端断开: %s (当前 %d)", client.id, total)

		case message := <-s.broadcast:
			s.mu.Lock()
			for id, client := range s.clients {
				select {
				case client.send <- message:
				default:
					// 发送缓冲满说明客户端已无法消费
					close(client.send)
					delete(s.clients, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// 1 HandleConnection 升级HTTP连接并启动读写协程
func (s *WebSocketService) HandleConnection(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		config.Warning("WebSocket升级失败: %v", err)
		return
	}

	client := &wsClient{
		id:   time.Now().Format("20060102150405") + "-" + c.Request.RemoteAddr,
		conn: conn,
		send: make(chan []byte, 256),
		hub:  s,
	}
	s.register <- client

	go client.writePump()
	go client.readPump()
}

// 2 Broadcast 向所有客户端广播一条消息
func (s *WebSocketService) Broadcast(messageType string, data interface{}) {
	envelope := wsEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		config.Error("WebSocket消息序列化失败: %v", err)
		return
	}

	select {
	case s.broadcast <- payload:
	default:
		// 广播通道积压时直接丢弃，推送是尽力而为
	}
}

// 3 BroadcastAccessEvent 广播门禁事件
func (s *WebSocketService) BroadcastAccessEvent(event *models.AccessEvent) {
	s.Broadcast(WSEventAccess, event)
}

// 4 BroadcastSyncResult 广播同步执行结果
func (s *WebSocketService) BroadcastSyncResult(result *models.SyncResult) {
	s.Broadcast(WSEventSyncComplete, result)
}

// 5 ClientCount 返回当前连接数
func (s *WebSocketService) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// 6 Close 关闭所有连接并停止分发协程
func (s *WebSocketService) Close() {
	close(s.done)
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				config.Warning("WebSocket读取错误: %v", err)
			}
			break
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
