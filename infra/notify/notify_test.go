package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (t fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	topic   string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	f.topic = topic
	f.payload = payload.([]byte)
	return fakeToken{err: f.err}
}

func TestMQTTChannelSend(t *testing.T) {
	pub := &fakePublisher{}
	ch := NewMQTTChannel(pub, 1)
	if err := ch.Send(context.Background(), "caregiver:anna", "dose missed"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if pub.topic != "notify/caregiver:anna" {
		t.Fatalf("wrong topic %s", pub.topic)
	}
	var body struct {
		Recipient string `json:"recipient"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(pub.payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body.Recipient != "caregiver:anna" || body.Message != "dose missed" {
		t.Fatalf("wrong payload %+v", body)
	}
}

func TestMQTTChannelPublishError(t *testing.T) {
	pub := &fakePublisher{err: fmt.Errorf("broker gone")}
	ch := NewMQTTChannel(pub, 0)
	if err := ch.Send(context.Background(), "p1", "msg"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWebhookChannelSend(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	if err := ch.Send(context.Background(), "sms:+3361122", "low stock"); err != nil {
		t.Fatalf("send: %v", err)
	}
	var body struct {
		Recipient string `json:"recipient"`
	}
	if err := json.Unmarshal(got, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body.Recipient != "sms:+3361122" {
		t.Fatalf("wrong recipient %s", body.Recipient)
	}
}

func TestWebhookChannelStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	if err := ch.Send(context.Background(), "p1", "msg"); err == nil {
		t.Fatalf("expected error on 502")
	}
}
