package auth

import (
	"context"
	"errors"
	"time"

	"github.com/dgiagkoudi/task-manager-auth/internal/model"

	"gorm.io/gorm"
)

// GormUserStore 是 UserStore 的 gorm 实现。
type GormUserStore struct {
	db *gorm.DB
}

// NewGormUserStore 创建 gorm 用户存储。
func NewGormUserStore(db *gorm.DB) *GormUserStore {
	return &GormUserStore{db: db}
}

func (s *GormUserStore) Create(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

func (s *GormUserStore) FindByID(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *GormUserStore) FindByIdentifier(ctx context.Context, identifier string) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).
		Where("username = ? OR email = ?", identifier, identifier).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *GormUserStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *GormUserStore) FindByResetToken(ctx context.Context, resetToken string, now time.Time) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).
		Where("reset_token = ? AND reset_token_expires_at > ?", resetToken, now).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *GormUserStore) ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.User{}).
		Where("username = ? OR email = ?", username, email).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormUserStore) SetRefreshToken(ctx context.Context, userID uint, refreshToken *string) error {
	return s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Update("refresh_token", refreshToken).Error
}

// SwapRefreshToken 以 compare-and-swap 方式轮换 refresh token。
//
// 只有当存储值仍等于 oldToken 时才写入 newToken，并发刷新时
// 只有一个调用方返回 true。
func (s *GormUserStore) SwapRefreshToken(ctx context.Context, userID uint, oldToken, newToken string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ? AND refresh_token = ?", userID, oldToken).
		Update("refresh_token", newToken)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *GormUserStore) SetResetToken(ctx context.Context, userID uint, resetToken string, expiresAt time.Time) error {
	return s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"reset_token":            resetToken,
			"reset_token_expires_at": expiresAt,
		}).Error
}

// UpdatePassword 写入新密码哈希并清除重置 token（一次性使用）。
func (s *GormUserStore) UpdatePassword(ctx context.Context, userID uint, passwordHash string) error {
	return s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"password":               passwordHash,
			"reset_token":            nil,
			"reset_token_expires_at": nil,
		}).Error
}
