package model

import "time"

// Task 表示一条待办事项。
//
// 每条任务有且仅有一个属主，所有读写均以属主身份过滤。
type Task struct {
	ID        uint      `gorm:"primaryKey" json:"id"` // 任务唯一标识
	Title     string    `gorm:"not null" json:"title"`
	Done      bool      `gorm:"default:false" json:"done"`
	UserID    uint      `gorm:"not null;index" json:"user_id"` // 所属用户 ID
	CreatedAt time.Time `json:"created_at"`                    // 创建时间
	UpdatedAt time.Time `json:"updated_at"`

	User User `gorm:"foreignKey:UserID" json:"-"` // 所属用户
}
