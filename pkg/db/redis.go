package db

import (
	"github.com/redis/go-redis/v9"

	"example.com/coursepay/pkg/config"
)

// ConnectRedis создаёт клиент Redis.
// Redis используется для rate limiting API и single-flight
// координации опросов статуса платежа.
func ConnectRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
