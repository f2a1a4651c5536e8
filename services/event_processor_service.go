package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"facial-sync-service/config"
	"facial-sync-service/models"
)

// 单次请求体读取上限，人脸抓拍图可达数MB
const maxEventBodySize = 10 << 20

// rawEvent 监听器收到的原始推送，解码前入队的最小单元
type rawEvent struct {
	Data        []byte
	ContentType string
	SourceIP    string
	ReceivedAt  time.Time
}

// EventStats 事件管道运行统计
type EventStats struct {
	Received     uint64    `json:"received"`
	Processed    uint64    `json:"processed"`
	Dropped      uint64    `json:"dropped"`
	Errors       uint64    `json:"errors"`
	Filtered     uint64    `json:"filtered"`
	Unrecognized uint64    `json:"unrecognized"`
	QueueLength  int       `json:"queue_length"`
	StartTime    time.Time `json:"start_time"`
}

// EventCallback 事件处理完成后的回调，按注册顺序同步调用
type EventCallback func(event *models.AccessEvent)

type namedCallback struct {
	name string
	fn   EventCallback
}

type InterfaceEventProcessor interface {
	Start() error
	Stop() error
	IsRunning() bool
	RegisterCallback(name string, fn EventCallback)
	UnregisterCallback(name string)
	Statistics() EventStats
}

// EventProcessorService 终端事件接收与处理管道。
// 监听器对任何推送立即应答200，解码与入库由单个消费者协程批量完成。
type EventProcessorService struct {
	Store InterfaceSyncStore
	cfg   *config.Config

	queue chan rawEvent
	stop  chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	running   bool
	callbacks []namedCallback
	server    *http.Server

	received     uint64
	processed    uint64
	dropped      uint64
	errorCount   uint64
	filtered     uint64
	unrecognized uint64
	startTime    time.Time
}

func NewEventProcessorService(store InterfaceSyncStore, cfg *config.Config) InterfaceEventProcessor {
	return &EventProcessorService{
		Store: store,
		cfg:   cfg,
		queue: make(chan rawEvent, cfg.EventBufferSize),
	}
}

// 1 Start 启动事件监听HTTP服务与消费者协程
func (s *EventProcessorService) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("事件处理器已在运行")
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.startTime = time.Now()

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.NoRoute(s.handleIncoming)
	s.server = &http.Server{
		Addr:    ":" + s.cfg.EventListenPort,
		Handler: engine,
	}
	s.mu.Unlock()

	go s.consumeLoop()
	go func() {
		config.Info("事件监听器启动: 端口 %s", s.cfg.EventListenPort)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			config.Error("事件监听器异常退出: %v", err)
		}
	}()

	return nil
}

// 2 Stop 关闭监听服务并等待消费者退出
func (s *EventProcessorService) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	server := s.server
	close(s.stop)
	s.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		config.Warning("事件消费者未在超时内退出")
	}
	return nil
}

func (s *EventProcessorService) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// 3 RegisterCallback 注册事件回调，重名则覆盖原位置
func (s *EventProcessorService) RegisterCallback(name string, fn EventCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cb := range s.callbacks {
		if cb.name == name {
			s.callbacks[i].fn = fn
			return
		}
	}
	s.callbacks = append(s.callbacks, namedCallback{name: name, fn: fn})
}

// 4 UnregisterCallback 移除指定名称的回调
func (s *EventProcessorService) UnregisterCallback(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cb := range s.callbacks {
		if cb.name == name {
			s.callbacks = append(s.callbacks[:i], s.callbacks[i+1:]...)
			return
		}
	}
}

// 5 Statistics 返回管道运行统计
func (s *EventProcessorService) Statistics() EventStats {
	return EventStats{
		Received:     atomic.LoadUint64(&s.received),
		Processed:    atomic.LoadUint64(&s.processed),
		Dropped:      atomic.LoadUint64(&s.dropped),
		Errors:       atomic.LoadUint64(&s.errorCount),
		Filtered:     atomic.LoadUint64(&s.filtered),
		Unrecognized: atomic.LoadUint64(&s.unrecognized),
		QueueLength:  len(s.queue),
		StartTime:    s.startTime,
	}
}

// 6 handleIncoming 接收终端推送。无论负载内容如何都立即应答200，
// 终端在收不到确认时会反复重推同一事件。
func (s *EventProcessorService) handleIncoming(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBodySize))
	if err != nil {
		body = nil
	}

	if c.Request.Method == http.MethodPost && len(body) > 0 {
		atomic.AddUint64(&s.received, 1)
		ev := rawEvent{
			Data:        body,
			ContentType: c.GetHeader("Content-Type"),
			SourceIP:    clientIP(c.Request),
			ReceivedAt:  time.Now(),
		}
		select {
		case s.queue <- ev:
		default:
			// 队列满时丢弃而不是阻塞接收端
			if atomic.AddUint64(&s.dropped, 1)%100 == 1 {
				config.Warning("事件队列已满, 累计丢弃 %d 条", atomic.LoadUint64(&s.dropped))
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

// 7 consumeLoop 单消费者批量处理事件
func (s *EventProcessorService) consumeLoop() {
	defer close(s.done)

	for {
		var first rawEvent
		select {
		case <-s.stop:
			s.drainRemaining()
			return
		case first = <-s.queue:
		}

		batch := []rawEvent{first}
		deadline := time.NewTimer(s.cfg.EventBatchWait)
	collect:
		for len(batch) < s.cfg.EventBatchSize {
			select {
			case <-s.stop:
				deadline.Stop()
				s.processBatch(batch)
				s.drainRemaining()
				return
			case ev := <-s.queue:
				batch = append(batch, ev)
			case <-deadline.C:
				break collect
			}
		}
		deadline.Stop()

		s.processBatch(batch)
	}
}

// drainRemaining 退出前处理队列中剩余事件
func (s *EventProcessorService) drainRemaining() {
	for {
		select {
		case ev := <-s.queue:
			s.processOne(ev)
		default:
			return
		}
	}
}

func (s *EventProcessorService) processBatch(batch []rawEvent) {
	for _, ev := range batch {
		s.processOne(ev)
	}
}

// 8 processOne 解码并归一化事件，过滤后入库、触发回调
func (s *EventProcessorService) processOne(ev rawEvent) {
	obj, format, err := decodePayload(ev.Data, ev.ContentType)
	if err != nil {
		atomic.AddUint64(&s.errorCount, 1)
		config.Warning("事件解码失败 (来源 %s, %d 字节): %v", ev.SourceIP, len(ev.Data), err)
		return
	}

	event := s.normalizeEvent(obj, ev, format)

	// 无法归类的推送只计数，不入库
	if event.EventType == models.EventTypeUnrecognized {
		atomic.AddUint64(&s.unrecognized, 1)
		config.Info("无法识别的事件 (来源 %s), 已忽略", ev.SourceIP)
		return
	}

	// 门禁事件只保留人脸识别相关的子码(5-75成功/5-76失败)，其余子码过滤掉
	if event.EventType == models.EventTypeAccessControl && event.AccessResult == models.AccessResultUnknown {
		atomic.AddUint64(&s.filtered, 1)
		return
	}

	if err := s.Store.LogAccessEvent(event); err != nil {
		atomic.AddUint64(&s.errorCount, 1)
		config.Error("事件入库失败: %v", err)
		return
	}
	atomic.AddUint64(&s.processed, 1)

	s.runCallbacks(event)
}

// runCallbacks 按注册顺序调用回调，单个回调panic不影响其余回调
func (s *EventProcessorService) runCallbacks(event *models.AccessEvent) {
	s.mu.Lock()
	cbs := make([]namedCallback, len(s.callbacks))
	copy(cbs, s.callbacks)
	s.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					config.Error("事件回调 %s panic: %v", cb.name, r)
				}
			}()
			cb.fn(event)
		}()
	}
}

// 9 normalizeEvent 将解码后的对象归一化为统一事件记录
func (s *EventProcessorService) normalizeEvent(obj map[string]interface{}, ev rawEvent, format string) *models.AccessEvent {
	event := &models.AccessEvent{
		DeviceIP:      ev.SourceIP,
		EventType:     models.EventTypeUnrecognized,
		AccessResult:  models.AccessResultUnknown,
		PayloadFormat: format,
		EventTime:     ev.ReceivedAt,
	}

	if ip := stringField(obj, "ipAddress"); ip != "" {
		event.DeviceIP = ip
	}
	if dt := stringField(obj, "dateTime"); dt != "" {
		if parsed, err := time.Parse(time.RFC3339, dt); err == nil {
			event.EventTime = parsed
		}
	}

	if ace, ok := obj["AccessControllerEvent"].(map[string]interface{}); ok {
		event.EventType = models.EventTypeAccessControl
		major := intField(ace, "majorEventType")
		minor := intField(ace, "subEventType")
		event.EventCode = fmt.Sprintf("%d-%d", major, minor)
		if major == 5 {
			switch minor {
			case 75:
				event.AccessResult = models.AccessResultSuccess
			case 76:
				event.AccessResult = models.AccessResultFailed
			}
		}
		event.EmployeeNo = stringField(ace, "employeeNoString")
		event.PersonName = stringField(ace, "name")
		event.VerifyMode = stringField(ace, "currentVerifyMode")
		if event.VerifyMode == "" {
			event.VerifyMode = stringField(ace, "cardReaderVerifyMode")
		}
		if pid := intField(ace, "employeeNo"); pid > 0 {
			event.PersonID = fmt.Sprintf("%d", pid)
		}
	} else if et := stringField(obj, "eventType"); et != "" {
		event.EventType = et
	}

	if raw, err := json.Marshal(obj); err == nil {
		event.RawData = string(raw)
	}
	return event
}

func stringField(obj map[string]interface{}, key string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	return ""
}

func intField(obj map[string]interface{}, key string) int {
	switch v := obj[key].(type) {
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
