package model

import "time"

// User 表示系统用户。
type User struct {
	ID                  uint       `gorm:"primaryKey"`                             // 用户 ID
	Username            string     `gorm:"type:varchar(64);uniqueIndex;not null"`  // 用户名（唯一）
	Email               string     `gorm:"type:varchar(191);uniqueIndex;not null"` // 邮箱（唯一）
	Password            string     `gorm:"not null"`                               // bcrypt 哈希
	RefreshToken        *string    `gorm:"type:varchar(512)"`                      // 当前有效的 refresh token（每用户仅一个）
	ResetToken          *string    `gorm:"type:varchar(128);index"`                // 重置密码 token
	ResetTokenExpiresAt *time.Time // 重置 token 过期时间
	CreatedAt           time.Time  // 创建时间

	Tasks []Task `gorm:"foreignKey:UserID"`
}
