package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loqalabs/taku/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusTransport feeds envelopes published on a NATS subject into the
// dispatcher. Requests with a reply inbox get the bare result on that inbox;
// fire-and-forget publishes get a result envelope on the result subject.
type BusTransport struct {
	conn          *nats.Conn
	dispatcher    *Dispatcher
	resultSubject string
	log           *slog.Logger
	sub           *nats.Subscription
}

func NewBusTransport(conn *nats.Conn, dispatcher *Dispatcher, resultSubject string, log *slog.Logger) *BusTransport {
	return &BusTransport{
		conn:          conn,
		dispatcher:    dispatcher,
		resultSubject: resultSubject,
		log:           log.With(slog.String("component", "bus-transport")),
	}
}

func (t *BusTransport) Start(subject string) error {
	sub, err := t.conn.Subscribe(subject, t.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	t.sub = sub
	t.log.Info("listening for generate requests", slog.String("subject", subject), slog.String("result_subject", t.resultSubject))
	return nil
}

func (t *BusTransport) Stop() {
	if t.sub == nil {
		return
	}
	if err := t.sub.Unsubscribe(); err != nil {
		t.log.Warn("failed to unsubscribe", slog.String("error", err.Error()))
	}
	t.sub = nil
}

func (t *BusTransport) handle(msg *nats.Msg) {
	inbox := msg.Reply
	t.dispatcher.HandleMessage(msg.Data, func(id string, result protocol.GenerateAudioResult) error {
		if inbox != "" {
			data, err := json.Marshal(result)
			if err != nil {
				return err
			}
			return t.conn.Publish(inbox, data)
		}
		data, err := protocol.EncodeResultEnvelope(id, result)
		if err != nil {
			return err
		}
		return t.conn.Publish(t.resultSubject, data)
	})
}
