package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	sensorSimulator "github.com/LeonardoBeccarini/sdcc_watering/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/sdcc_watering/pkg/rabbitmq"
)

func main() {
	deviceID := flag.String("device-id", "plant1", "device identifier")
	clientID := flag.String("client-id", "", "MQTT client ID (default sim-<device-id>)")
	host := flag.String("host", "localhost", "MQTT broker host")
	port := flag.Int("port", 1883, "MQTT broker port")
	user := flag.String("user", "guest", "MQTT user")
	pass := flag.String("password", "guest", "MQTT password")
	interval := flag.Duration("interval", 10*time.Second, "publish interval")
	seed := flag.Float64("moisture", 30, "initial soil moisture %")
	decay := flag.Float64("decay", 0.05, "moisture points lost per minute")
	failEvery := flag.Int("fail-every", 0, "fail every n-th pump command (0 = never)")
	flag.Parse()

	if *clientID == "" {
		*clientID = "sim-" + *deviceID
	}
	cfg := &rabbitmq.RabbitMQConfig{
		Host:     *host,
		Port:     *port,
		User:     *user,
		Password: *pass,
		ClientID: *clientID,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := rabbitmq.NewRabbitMQConn(cfg, ctx)
	if err != nil {
		log.Fatal(err)
	}

	topics := sensorSimulator.DefaultTopics()
	consumer := rabbitmq.NewConsumer(client, nil, topics.For(topics.Command, *deviceID))
	sim := sensorSimulator.NewSensorSimulator(*deviceID, topics, consumer, rabbitmq.Bus{Client: client},
		sensorSimulator.NewDataGenerator(*seed, *decay))
	sim.FailEvery = *failEvery

	sim.Start(ctx, *interval)
	rabbitmq.CloseRabbitMQConn(client)
}
