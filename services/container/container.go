package container

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"facial-sync-service/config"
	"facial-sync-service/models"
	"facial-sync-service/services"
)

// ServiceContainer 管理所有服务的依赖注入
type ServiceContainer struct {
	db     *gorm.DB
	config *config.Config
	redis  *redis.Client

	// 基础服务
	jwtService   *services.JWTService
	redisService *services.RedisService

	// 同步链路服务
	storeService      services.InterfaceSyncStore
	taskQueueService  services.InterfaceTaskQueue
	deviceSyncService services.InterfaceDeviceSync
	dispatcherService services.InterfaceTaskDispatcher

	// 事件链路服务
	eventProcessorService services.InterfaceEventProcessor
	webSocketService      services.InterfaceWebSocket
	mqttEventService      services.InterfaceMQTTEvent

	// 设备监控
	monitorStop chan struct{}
	monitorDone chan struct{}

	mu sync.RWMutex
}

// NewServiceContainer 创建新的服务容器
func NewServiceContainer(db *gorm.DB, cfg *config.Config, redisClient *redis.Client) *ServiceContainer {
	if db == nil {
		panic("数据库连接为空")
	}

	if cfg == nil {
		panic("配置为空")
	}

	// 测试Redis连接
	if redisClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			config.Warning("Redis连接测试失败: %v，将不使用Redis缓存", err)
			redisClient = nil
		}
	}

	container := &ServiceContainer{
		db:     db,
		config: cfg,
		redis:  redisClient,
	}
	container.initializeServices()
	return container
}

// initializeServices 初始化所有服务
func (c *ServiceContainer) initializeServices() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 初始化基础服务
	c.jwtService = services.NewJWTService(c.config)
	if c.redis != nil {
		c.redisService = services.NewRedisService(c.config)
	}

	// 初始化同步链路：存储 -> 队列 -> 设备执行器 -> 调度器
	c.storeService = services.NewSyncStoreService(c.db, c.config)
	c.taskQueueService = services.NewTaskQueueService(c.storeService, c.config)
	c.deviceSyncService = services.NewDeviceSyncService(c.storeService, c.config)
	c.dispatcherService = services.NewTaskDispatcherService(
		c.taskQueueService, c.storeService, c.deviceSyncService, c.config)

	// 初始化事件链路
	c.eventProcessorService = services.NewEventProcessorService(c.storeService, c.config)
	c.webSocketService = services.NewWebSocketService()

	// MQTT广播按配置开关启用
	if c.config.MQTTEnabled {
		c.mqttEventService = services.NewMQTTEventService(c.config)
	}

	// 同步结果同时推给前端和消息总线
	c.dispatcherService.SetResultHook(func(result *models.SyncResult) {
		c.webSocketService.BroadcastSyncResult(result)
		if c.redisService != nil {
			if err := c.redisService.CacheSyncResult(result); err != nil {
				config.Warning("缓存同步结果失败: %v", err)
			}
		}
		if c.mqttEventService != nil {
			if err := c.mqttEventService.PublishSyncResult(result); err != nil {
				config.Warning("MQTT广播同步结果失败: %v", err)
			}
		}
	})

	c.registerEventCallbacks()
}

// registerEventCallbacks 将下游消费者挂到事件管道上，按注册顺序调用
func (c *ServiceContainer) registerEventCallbacks() {
	c.eventProcessorService.RegisterCallback("websocket", func(event *models.AccessEvent) {
		c.webSocketService.BroadcastAccessEvent(event)
	})

	if c.redisService != nil {
		c.eventProcessorService.RegisterCallback("redis_cache", func(event *models.AccessEvent) {
			if err := c.redisService.CacheLatestEvent(event); err != nil {
				config.Warning("缓存门禁事件失败: %v", err)
			}
		})
	}

	if c.mqttEventService != nil {
		c.eventProcessorService.RegisterCallback("mqtt", func(event *models.AccessEvent) {
			if err := c.mqttEventService.PublishAccessEvent(event); err != nil {
				config.Warning("MQTT广播门禁事件失败: %v", err)
			}
		})
	}
}

// StartServices 启动后台服务：任务调度器、事件监听器、设备监控
func (c *ServiceContainer) StartServices() error {
	if c.mqttEventService != nil {
		if err := c.mqttEventService.Connect(); err != nil {
			config.Warning("MQTT连接失败: %v", err)
		}
	}

	if err := c.dispatcherService.Start(); err != nil {
		return err
	}

	if err := c.eventProcessorService.Start(); err != nil {
		return err
	}

	c.monitorStop = make(chan struct{})
	c.monitorDone = make(chan struct{})
	go c.deviceMonitorLoop()

	return nil
}

// StopServices 停止后台服务，顺序与启动相反
func (c *ServiceContainer) StopServices() {
	if c.monitorStop != nil {
		close(c.monitorStop)
		<-c.monitorDone
	}

	if err := c.eventProcessorService.Stop(); err != nil {
		config.Warning("停止事件处理器失败: %v", err)
	}
	c.dispatcherService.Stop()

	c.webSocketService.Close()
	c.deviceSyncService.CloseSessions()

	if c.mqttEventService != nil {
		c.mqttEventService.Disconnect()
	}
}

// deviceMonitorLoop 周期性探测所有在册设备的可达性
func (c *ServiceContainer) deviceMonitorLoop() {
	defer close(c.monitorDone)

	ticker := time.NewTicker(c.config.DevicePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.monitorStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.DevicePingPeriod)
			report, err := c.deviceSyncService.PingAllDevices(ctx)
			cancel()
			if err != nil {
				config.Warning("设备巡检失败: %v", err)
				continue
			}
			if report.Offline > 0 {
				config.Warning("设备巡检: %d 在线, %d 离线", report.Online, report.Offline)
			}

			c.webSocketService.Broadcast(services.WSEventDeviceStatus, report)
			if c.mqttEventService != nil {
				for _, status := range report.Devices {
					if err := c.mqttEventService.PublishDeviceStatus(status.DeviceID, status.Online, status.Message); err != nil {
						config.Warning("发布设备 %s 状态失败: %v", status.DeviceID, err)
					}
				}
			}
		}
	}
}

// GetService 获取指定名称的服务
func (c *ServiceContainer) GetService(name string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch name {
	case "config":
		return c.config
	case "db":
		return c.db
	case "jwt":
		return c.jwtService
	case "redis":
		return c.redisService
	case "store":
		return c.storeService
	case "task_queue":
		return c.taskQueueService
	case "device_sync":
		return c.deviceSyncService
	case "dispatcher":
		return c.dispatcherService
	case "event_processor":
		return c.eventProcessorService
	case "websocket":
		return c.webSocketService
	case "mqtt_event":
		return c.mqttEventService
	default:
		return nil
	}
}

// GetDB 获取数据库连接
func (c *ServiceContainer) GetDB() *gorm.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}
