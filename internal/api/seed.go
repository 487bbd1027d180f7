package api

import (
	"context"
	"errors"

	"github.com/dgiagkoudi/task-manager-auth/internal/model"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// SeedDemoData 初始化演示账号及示例任务（仅在配置开启时调用）。
func (s *Server) SeedDemoData(ctx context.Context) error {
	const demoUsername = "demo"
	const demoEmail = "demo@taskmanager.local"

	var user model.User
	err := s.db.WithContext(ctx).Where("email = ?", demoEmail).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		hash, hashErr := bcrypt.GenerateFromPassword([]byte("demo-password"), bcrypt.DefaultCost)
		if hashErr != nil {
			return hashErr
		}
		user = model.User{
			Username: demoUsername,
			Email:    demoEmail,
			Password: string(hash),
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return err
		}
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Task{}).Where("user_id = ?", user.ID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		task := model.Task{
			Title:  "Try out the task manager",
			UserID: user.ID,
		}
		if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
			return err
		}
	}

	return nil
}
