package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgiagkoudi/task-manager-auth/internal/api/auth"
	"github.com/dgiagkoudi/task-manager-auth/internal/api/middleware"
	"github.com/dgiagkoudi/task-manager-auth/internal/api/token"
	"github.com/dgiagkoudi/task-manager-auth/internal/config"
	"github.com/dgiagkoudi/task-manager-auth/internal/model"
	"github.com/dgiagkoudi/task-manager-auth/internal/pkg/metrics"
	"github.com/dgiagkoudi/task-manager-auth/internal/pkg/notify"
	"github.com/dgiagkoudi/task-manager-auth/internal/pkg/ratelimit"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// ErrTaskNotFound 表示任务不存在。
var ErrTaskNotFound = errors.New("task not found")

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、限流用的 Redis 客户端以及 Gin 路由引擎。
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *gorm.DB
	rdb       *redis.Client
	router    *gin.Engine
	auth      *auth.Handler
	taskStore TaskStore
	userStore auth.UserStore
}

// TaskStore 任务存储接口。
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.Task) error
	ListTasks(ctx context.Context, userID uint) ([]model.Task, error)
	GetTask(ctx context.Context, id uint) (*model.Task, error)
	SaveTask(ctx context.Context, task *model.Task) error
	DeleteTask(ctx context.Context, id uint) error
}

type dbTaskStore struct {
	db *gorm.DB
}

func (s dbTaskStore) CreateTask(ctx context.Context, task *model.Task) error {
	return s.db.WithContext(ctx).Create(task).Error
}

func (s dbTaskStore) ListTasks(ctx context.Context, userID uint) ([]model.Task, error) {
	tasks := make([]model.Task, 0)
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s dbTaskStore) GetTask(ctx context.Context, id uint) (*model.Task, error) {
	var task model.Task
	err := s.db.WithContext(ctx).First(&task, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s dbTaskStore) SaveTask(ctx context.Context, task *model.Task) error {
	return s.db.WithContext(ctx).Save(task).Error
}

func (s dbTaskStore) DeleteTask(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&model.Task{}, id).Error
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis（可选，仅用于限流）
// 3. 初始化 Gin 路由引擎和各处理器
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.User{}, &model.Task{}); err != nil {
		return nil, err
	}

	var rdb *redis.Client
	var limiter *ratelimit.RateLimiter
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       0,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		limiter = ratelimit.NewRedisRateLimiter(rdb, "taskmanager:ratelimit:auth:", cfg.App.RateLimit, cfg.App.RateBurst)
	}

	metrics.InitMetrics()

	tokens := token.NewManager(cfg.Security.JWTSecret, cfg.Security.AccessTokenTTL, cfg.Security.RefreshTokenTTL)
	mailer := notify.NewEmailNotifier(&cfg.Email, cfg.App.FrontendURL, logger)
	userStore := auth.NewGormUserStore(db)

	if cfg.App.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		rdb:       rdb,
		router:    r,
		auth:      auth.NewHandler(userStore, tokens, mailer, cfg.Security.CookieSecure, cfg.Security.ResetTokenTTL, logger),
		taskStore: dbTaskStore{db: db},
		userStore: userStore,
	}
	s.registerRoutes(tokens, limiter)
	return s, nil
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			if closeErr := sqlDB.Close(); closeErr != nil {
				if firstErr == nil {
					firstErr = closeErr
				}
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes(tokens *token.Manager, limiter *ratelimit.RateLimiter) {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	authGroup := s.router.Group("/api/auth")
	authGroup.Use(middleware.AuthRateLimit(limiter, s.logger))
	authGroup.POST("/register", s.auth.Register)
	authGroup.POST("/login", s.auth.Login)
	authGroup.POST("/refresh", s.auth.Refresh)
	authGroup.POST("/logout", s.auth.Logout)
	authGroup.POST("/forgot-password", s.auth.ForgotPassword)
	authGroup.POST("/reset-password", s.auth.ResetPassword)

	tasks := s.router.Group("/api/tasks")
	tasks.Use(middleware.AuthMiddleware(tokens, s.userStore))
	tasks.GET("", s.handleListTasks)
	tasks.POST("", s.handleCreateTask)
	tasks.PUT("/:id", s.handleUpdateTask)
	tasks.DELETE("/:id", s.handleDeleteTask)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// createTaskRequest 创建任务的请求参数。
type createTaskRequest struct {
	Title string `json:"title"`
}

// updateTaskRequest 更新任务的请求参数，整体覆盖 title/done。
type updateTaskRequest struct {
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

// handleCreateTask 为调用方创建一条任务。
func (s *Server) handleCreateTask(c *gin.Context) {
	userID := getUserID(c)

	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	task := &model.Task{
		Title:  title,
		Done:   false,
		UserID: userID,
	}
	if err := s.taskStore.CreateTask(c.Request.Context(), task); err != nil {
		s.logger.Error("create task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create task failed"})
		return
	}

	metrics.RecordTaskOperation("create")
	c.JSON(http.StatusCreated, task)
}

// handleListTasks 返回调用方的全部任务，按创建时间倒序。
func (s *Server) handleListTasks(c *gin.Context) {
	userID := getUserID(c)

	tasks, err := s.taskStore.ListTasks(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("list tasks failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list tasks failed"})
		return
	}

	c.JSON(http.StatusOK, tasks)
}

// handleUpdateTask 覆盖任务的 title/done，仅属主可操作。
func (s *Server) handleUpdateTask(c *gin.Context) {
	userID := getUserID(c)
	taskID, err := parseTaskID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	task, err := s.taskStore.GetTask(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		s.logger.Error("query task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query task failed"})
		return
	}
	if task.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	task.Title = title
	task.Done = req.Done
	if err := s.taskStore.SaveTask(c.Request.Context(), task); err != nil {
		s.logger.Error("update task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update task failed"})
		return
	}

	metrics.RecordTaskOperation("update")
	c.JSON(http.StatusOK, task)
}

// handleDeleteTask 删除任务，仅属主可操作。
func (s *Server) handleDeleteTask(c *gin.Context) {
	userID := getUserID(c)
	taskID, err := parseTaskID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	task, err := s.taskStore.GetTask(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		s.logger.Error("query task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query task failed"})
		return
	}
	if task.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	if err := s.taskStore.DeleteTask(c.Request.Context(), taskID); err != nil {
		s.logger.Error("delete task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete task failed"})
		return
	}

	metrics.RecordTaskOperation("delete")
	c.JSON(http.StatusOK, gin.H{"message": "task deleted"})
}

func getUserID(c *gin.Context) uint {
	if v, ok := c.Get("userID"); ok {
		if id, ok := v.(uint); ok {
			return id
		}
	}
	return 0
}

func parseTaskID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}
