package main

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ryansname/dosingctl/src/ota"
)

const (
	inboundQueueSize    = 64
	publishTimeout      = 5 * time.Second
	disconnectQuiesceMs = 250
)

// inboundMessage is one command received from the broker or the console
type inboundMessage struct {
	Topic   string
	Payload []byte
}

// mqttOptions configures the broker connection
type mqttOptions struct {
	Broker   string
	Username string
	Password string
	ClientID string
	Topics   []string
}

// mqttTransport is the controller's single link to the broker. Subscribed
// messages are queued and drained one at a time by the control loop.
type mqttTransport struct {
	opts    mqttOptions
	client  mqtt.Client
	inbound chan inboundMessage

	mu        sync.Mutex
	onConnect []func()
}

func newMQTTTransport(opts mqttOptions) *mqttTransport {
	t := &mqttTransport{
		opts:    opts,
		inbound: make(chan inboundMessage, inboundQueueSize),
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetUsername(opts.Username)
	clientOpts.SetPassword(opts.Password)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectRetryInterval(5 * time.Second)

	clientOpts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v\n", err)
	})

	// Subscriptions are not persistent, so they are renewed on every connect
	clientOpts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("Connected to MQTT broker at %s\n", opts.Broker)

		for _, topic := range opts.Topics {
			if err := t.Subscribe(topic); err != nil {
				log.Printf("Failed to subscribe to topic %s: %v\n", topic, err)
			} else {
				log.Printf("Subscribed to topic: %s\n", topic)
			}
		}

		t.mu.Lock()
		hooks := append([]func(){}, t.onConnect...)
		t.mu.Unlock()
		for _, hook := range hooks {
			hook()
		}
	})

	t.client = mqtt.NewClient(clientOpts)
	return t
}

// OnConnect registers fn to run after every successful (re)connect.
func (t *mqttTransport) OnConnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = append(t.onConnect, fn)
}

// Connect starts the connection. With connect retry enabled it returns once the
// first attempt is under way and keeps retrying in the background.
func (t *mqttTransport) Connect() error {
	log.Printf("Connecting to MQTT broker at %s...\n", t.opts.Broker)
	token := t.client.Connect()
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Subscribe queues every message on topic for the control loop.
func (t *mqttTransport) Subscribe(topic string) error {
	token := t.client.Subscribe(topic, 0, func(client mqtt.Client, msg mqtt.Message) {
		t.enqueue(inboundMessage{Topic: msg.Topic(), Payload: msg.Payload()})
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timed out", topic)
	}
	return token.Error()
}

// enqueue never blocks the client's delivery goroutine; when the control loop is
// busy with a long run and the queue fills up, the newest message is dropped.
func (t *mqttTransport) enqueue(msg inboundMessage) bool {
	select {
	case t.inbound <- msg:
		return true
	default:
		log.Printf("Inbound queue full, dropping message on %s\n", msg.Topic)
		return false
	}
}

// Inject queues a locally originated message behind any pending broker messages.
func (t *mqttTransport) Inject(topic string, payload []byte) bool {
	return t.enqueue(inboundMessage{Topic: topic, Payload: payload})
}

// CheckMessage returns the oldest pending message without blocking.
func (t *mqttTransport) CheckMessage() (inboundMessage, bool) {
	select {
	case msg := <-t.inbound:
		return msg, true
	default:
		return inboundMessage{}, false
	}
}

// Publish sends payload to topic and waits for the client to accept it.
func (t *mqttTransport) Publish(topic string, payload []byte) error {
	return t.publish(topic, 0, false, payload)
}

// PublishRetained sends a retained message, used for discovery configs.
func (t *mqttTransport) PublishRetained(topic string, payload []byte) error {
	return t.publish(topic, 1, true, payload)
}

func (t *mqttTransport) publish(topic string, qos byte, retain bool, payload []byte) error {
	if !t.client.IsConnectionOpen() {
		return errors.New("not connected to broker")
	}
	token := t.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}

// Disconnect closes the connection, allowing in-flight work to finish.
func (t *mqttTransport) Disconnect() {
	if t.client.IsConnected() {
		t.client.Disconnect(disconnectQuiesceMs)
		log.Println("Disconnected from MQTT broker")
	}
}

// handoff wraps exec so the broker connection is closed cleanly before the
// process image is replaced, and reopened if the replacement fails.
func (t *mqttTransport) handoff(exec ota.Execer) ota.Execer {
	return func(path string, args []string, env []string) error {
		t.Disconnect()
		err := exec(path, args, env)
		if connErr := t.Connect(); connErr != nil {
			log.Printf("Failed to reconnect to MQTT broker: %v\n", connErr)
		}
		return err
	}
}
