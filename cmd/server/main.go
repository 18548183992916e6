package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sealed_chat/config"
	backupRepo "sealed_chat/internal/repository/backup"
	deviceRepo "sealed_chat/internal/repository/device"
	userkeyRepo "sealed_chat/internal/repository/userkey"
	redisSvc "sealed_chat/internal/service/redis"
	"sealed_chat/internal/service/server"
)

func main() {
	v, err := config.LoadConfig("config")
	if err != nil {
		panic(err)
	}
	cfg, err := config.ParseConfig(v)
	if err != nil {
		panic(err)
	}

	mongoDBClient, err := initMongo(cfg.Mongo.URI)
	if err != nil {
		panic(err)
	}

	db := mongoDBClient.Database(cfg.Mongo.Database)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	redisService := redisSvc.NewRedis(rdb)

	s := server.NewHttpServer(
		deviceRepo.NewDeviceRepo(db),
		userkeyRepo.NewUserKeyRepo(db),
		backupRepo.NewBackupRepo(db),
		redisService,
	)
	go s.Run(cfg.Server.Addr)

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
