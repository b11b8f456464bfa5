package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/actuator"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/config"
	"github.com/LeonardoBeccarini/sdcc_watering/internal/services/device"
	"github.com/LeonardoBeccarini/sdcc_watering/pkg/rabbitmq"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(env("WATERING_CONFIG", ""))
	if err != nil {
		log.Fatalf("device: config: %v", err)
	}
	cfg.MQTT.ClientID = env("MQTT_CLIENT_ID", "device-gateway")

	client, err := rabbitmq.NewRabbitMQConn(&cfg.MQTT.RabbitMQConfig, ctx)
	if err != nil {
		log.Fatalf("device: MQTT connect error: %v", err)
	}
	bus := rabbitmq.Bus{Client: client}

	mq := actuator.NewMQTT(bus, bus, cfg.MQTT.CommandTopic, cfg.MQTT.ResponseTopic)
	if err := mq.Start(ctx); err != nil {
		log.Fatalf("device: subscribe responses: %v", err)
	}

	gw := device.NewGateway(mq,
		time.Duration(envInt("DEVICE_LIVENESS_TTL_SECONDS", 60))*time.Second,
		time.Duration(envInt("DEVICE_OFFLINE_GRACE_SECONDS", 5))*time.Second,
	)
	heartbeat := rabbitmq.NewConsumer(client, gw.OnSensorData, cfg.MQTT.SensorTopic)
	go func() {
		if err := heartbeat.ConsumeMessage(ctx); err != nil {
			log.Printf("device: heartbeat consumer: %v", err)
		}
	}()

	addr := env("GRPC_ADDR", cfg.Actuator.GatewayAddr)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("device: listen %s: %v", addr, err)
	}
	grpcServer := grpc.NewServer()
	actuator.RegisterDeviceServer(grpcServer, actuator.NewGRPCServer(gw, cfg.ActuationTimeout()))

	go func() {
		log.Printf("device: DeviceService gRPC %s; commands on %s", addr, cfg.MQTT.CommandTopic)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("device: gRPC serve error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("device: shutting down...")
	grpcServer.GracefulStop()
	rabbitmq.CloseRabbitMQConn(client)
}
