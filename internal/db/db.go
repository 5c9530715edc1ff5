package db

import (
	"context"
	"fmt"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/backoff"
	clog "github.com/camerpulse/camerpulse-sub041/internal/log"
	"github.com/camerpulse/camerpulse-sub041/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const connectAttempts = 10

// Connect 打开 gorm 连接并 Ping 确认可用；数据库容器尚未就绪时按指数退避重试，ctx 结束即放弃。
// TranslateError 让唯一键冲突以 gorm.ErrDuplicatedKey 返回，store 据此识别序号冲突。
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	log := clog.Component("db")
	wait := backoff.Exponential{Initial: 500 * time.Millisecond, Max: 5 * time.Second}
	var err error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		var gdb *gorm.DB
		gdb, err = open(ctx, dsn)
		if err == nil {
			return gdb, nil
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("connect")
		if !backoff.Sleep(ctx, wait.Next(attempt)) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("connect after %d attempts: %w", connectAttempts, err)
}

func open(ctx context.Context, dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return gdb, nil
}

// Migrate 只迁移本子系统拥有的表；投票、私信等表由其他服务维护。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.ChatMessage{}, &models.Notification{})
}

// Ping 供 /readyz 检查数据库连通性。
func Ping(ctx context.Context, gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
