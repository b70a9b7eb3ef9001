package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"messenger-api/internal/config"
	"messenger-api/internal/handlers"
	httpx "messenger-api/internal/http"
	"messenger-api/internal/repo"
	"messenger-api/internal/service"
)

func main() {
	// .envがあれば読み込む（無ければ環境変数のみ）
	_ = godotenv.Load()
	cfg := config.Load()

	// 外部キー制約（authorIdの実在保証など）はPRAGMA有効時のみ検査される
	db, err := gorm.Open(sqlite.Open(cfg.DBPath+"?_foreign_keys=on"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}
	log.Printf("database ready: %s", cfg.DBPath)

	cr := repo.NewGormChatRepo(db)
	idg := service.NewIDGenerator()
	svc := service.NewChatService(cr, idg)

	// ハブはここで生成して各ハンドラーに注入する（グローバルにしない）
	hub := handlers.NewRoomHub()
	wsHandler := handlers.NewWebSocketHandler(hub)
	chatHandler := handlers.NewChatHandler(svc, hub)
	router := httpx.NewRouter(chatHandler, wsHandler, cfg.AllowedOrigin)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown用のシグナルチャネル
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// サーバーを別goroutineで起動
	go func() {
		log.Printf("listening on %s", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// シャットダウンシグナルを待つ
	<-sigChan
	log.Println("shutdown signal received, shutting down gracefully...")

	// 30秒のタイムアウトでGraceful Shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	log.Println("server stopped")
}
