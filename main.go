// @title           Facial Sync Service API
// @version         1.0
// @description     Face template synchronization service for access control terminal fleets

// @host      localhost:5000
// @BasePath  /api

// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization
// @description                 Enter the token with the `Bearer: ` prefix
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"facial-sync-service/config"
	"facial-sync-service/models"
	"facial-sync-service/routes"
	"facial-sync-service/services/container"
)

func main() {
	// 初始化日志配置
	if err := config.SetupLogger(); err != nil {
		fmt.Printf("初始化日志配置失败: %v\n", err)
		os.Exit(1)
	}

	// 加载.env文件
	if err := godotenv.Load(); err != nil {
		config.Warning("无法加载.env文件: %v", err)
		// 即使加载失败也继续执行，可能环境变量已经通过其他方式设置
	} else {
		config.Info("成功加载.env文件")
	}

	// 获取配置
	cfg := config.GetConfig()

	// 连接数据库
	db, err := initDB(cfg)
	if err != nil {
		log.Fatalf("无法连接数据库: %v", err)
	}

	// 根据配置执行不同的数据库操作
	if cfg.DBMigrationMode == "drop" {
		log.Println("警告: 在drop模式下运行，将删除并重建所有表")
		if err := dropAndRecreateTables(db); err != nil {
			log.Fatalf("删除并重建表失败: %v", err)
		}
	} else {
		log.Println("在标准模式下运行，将只添加新列和新表")
		if err := autoMigrate(db); err != nil {
			log.Fatalf("自动迁移失败: %v", err)
		}
	}

	// 确保系统中有管理员账户
	ensureAdminExists(db, cfg)

	// 创建Redis客户端
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// 创建服务容器并启动后台服务
	serviceContainer := container.NewServiceContainer(db, cfg, redisClient)
	if err := serviceContainer.StartServices(); err != nil {
		log.Fatalf("启动后台服务失败: %v", err)
	}

	// 初始化管理API路由
	r := routes.SetupRouter(serviceContainer, cfg)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		config.Info("管理API启动在: http://localhost:%s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			config.Error("启动服务器失败: %v", err)
			os.Exit(1)
		}
	}()

	// 等待退出信号后优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	config.Info("收到退出信号，正在关停...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		config.Warning("管理API关停失败: %v", err)
	}

	serviceContainer.StopServices()
	config.Info("服务已退出")
}

// initDB 初始化数据库连接
func initDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.GetDSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	fmt.Println("Database connection established")
	return db, nil
}

// autoMigrate 自动迁移所有模型（只添加新列和新表）
func autoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Admin{},
		&models.Person{},
		&models.FacialTemplate{},
		&models.Device{},
		&models.DeviceStatus{},
		&models.SyncTask{},
		&models.AccessEvent{},
	)

	if err != nil {
		return err
	}

	fmt.Println("Database migration completed")
	return nil
}

// dropAndRecreateTables 删除并重建所有表
func dropAndRecreateTables(db *gorm.DB) error {
	err := db.Migrator().DropTable(
		&models.AccessEvent{},
		&models.SyncTask{},
		&models.DeviceStatus{},
		&models.Device{},
		&models.FacialTemplate{},
		&models.Person{},
		&models.Admin{},
	)
	if err != nil {
		return err
	}

	return autoMigrate(db)
}

// ensureAdminExists 确保系统中至少有一个管理员账户
func ensureAdminExists(db *gorm.DB, cfg *config.Config) {
	var count int64
	db.Model(&models.Admin{}).Count(&count)

	// 如果没有管理员，则创建一个默认管理员
	if count == 0 {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.DefaultAdminPassword), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("生成默认管理员密码失败: %v", err)
			return
		}

		admin := models.Admin{
			Username: "admin",
			Password: string(hash),
		}
		if err := db.Create(&admin).Error; err != nil {
			log.Printf("创建默认管理员失败: %v", err)
			return
		}
		config.Warning("已创建默认管理员账户 admin，请尽快修改密码")
	}
}
