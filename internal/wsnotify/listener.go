package wsnotify

import (
	"context"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Listener dials a Hub's endpoint and invokes onPoke every time the server
// sends one, automatically reconnecting with a fixed backoff on failure.
type Listener struct {
	url    string
	onPoke func()
	log    *logrus.Entry
}

// NewListener builds a Listener for the given ws:// or wss:// URL.
func NewListener(wsURL string, onPoke func()) (*Listener, error) {
	if _, err := url.Parse(wsURL); err != nil {
		return nil, err
	}
	return &Listener{url: wsURL, onPoke: onPoke, log: logrus.WithField("component", "wsnotify")}, nil
}

// Run dials and re-dials until ctx is canceled.
func (l *Listener) Run(ctx context.Context) {
	const reconnectDelay = 2 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.runOnce(ctx); err != nil {
			l.log.WithError(err).Debug("websocket listener disconnected, retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if string(msg) == pokeMessage && l.onPoke != nil {
			l.onPoke()
		}
	}
}
