// Package bridge maintains the wallet side of the TonConnect HTTP bridge:
// one long-lived SSE subscription covering every http connection of the
// active wallet, plus plain HTTP POSTs for responses.
package bridge

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gojek/heimdall/v7/httpclient"

	"tonbridge/internal/interfaces"
	"tonbridge/internal/models"
	"tonbridge/internal/pkg/sessioncrypto"
)

const (
	// responseTTL is how long a posted response stays deliverable on the
	// bridge before it expires, in seconds.
	responseTTL = 300

	postTimeout = 10 * time.Second

	// streamStableAfter is how long a stream must survive before the
	// reconnect delay starts over from one second.
	streamStableAfter = 30 * time.Second
)

// BridgeMessage is one pushed SSE payload: an encrypted message from a
// dApp peer.
type BridgeMessage struct {
	From    string `json:"from"`
	Message string `json:"message"`
}

// innerMessage is the decrypted routing header; anything that is not a
// disconnect is handed to OnRequest whole.
type innerMessage struct {
	Method string `json:"method"`
}

type ConnectionSource interface {
	ListHTTPConnections(ctx context.Context) ([]*models.Connection, error)
}

type CursorStore interface {
	GetCursor(ctx context.Context) (int64, error)
	SetCursor(ctx context.Context, eventID int64) error
}

// Callbacks are plain injections; the session holds no request state of
// its own.
type Callbacks struct {
	OnRequest    func(conn *models.Connection, payload json.RawMessage)
	OnDisconnect func(conn *models.Connection)
}

type Session struct {
	bridgeURL string
	stream    *http.Client       // no timeout: the SSE stream is endless
	post      *httpclient.Client // heimdall, zero retries: the router owns retry policy
	source    ConnectionSource
	cursor    CursorStore
	cbs       Callbacks

	mu         sync.Mutex
	cancel     context.CancelFunc
	subscribed string
	byClient   map[string]*models.Connection
	ciphers    map[string]interfaces.SessionCipher
}

func NewSession(bridgeURL string, source ConnectionSource, cursor CursorStore, cbs Callbacks) *Session {
	return &Session{
		bridgeURL: strings.TrimRight(bridgeURL, "/"),
		stream:    &http.Client{},
		post:      httpclient.NewClient(httpclient.WithHTTPTimeout(postTimeout)),
		source:    source,
		cursor:    cursor,
		cbs:       cbs,
		byClient:  map[string]*models.Connection{},
		ciphers:   map[string]interfaces.SessionCipher{},
	}
}

// Refresh diffs the current http connection set against the subscribed
// one and reopens the stream when they differ. Call it at startup and
// whenever connections change; a stale subscription after a wallet switch
// is exactly the bug this exists to prevent.
func (s *Session) Refresh(ctx context.Context) error {
	conns, err := s.source.ListHTTPConnections(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(conns))
	byClient := make(map[string]*models.Connection, len(conns))
	ciphers := make(map[string]interfaces.SessionCipher, len(conns))
	for _, conn := range conns {
		if conn.ClientID == "" || conn.SessionKeys == nil {
			continue
		}
		cipher, err := sessioncrypto.FromKeys(conn.SessionKeys)
		if err != nil {
			log.Printf("bridge: bad session keys for %s: %v", conn.Origin, err)
			continue
		}
		ids = append(ids, cipher.SessionID())
		byClient[conn.ClientID] = conn
		ciphers[conn.ClientID] = cipher
	}
	sort.Strings(ids)
	key := strings.Join(ids, ",")

	s.mu.Lock()
	if key == s.subscribed && s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	s.byClient = byClient
	s.ciphers = ciphers
	s.mu.Unlock()

	return s.reconnect(ctx, key)
}

// reconnect tears down the previous stream and opens a fresh one for the
// given subscription key. Safe to call repeatedly; earlier stream handles
// are cancelled, never leaked.
func (s *Session) reconnect(ctx context.Context, key string) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.subscribed = key
	if key == "" {
		s.mu.Unlock()
		return nil
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	last, err := s.cursor.GetCursor(ctx)
	if err != nil {
		last = 0
	}

	go s.streamLoop(streamCtx, key, last)
	return nil
}

// Destroy closes the stream. Idempotent; safe when already disconnected.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.subscribed = ""
}

func (s *Session) streamLoop(ctx context.Context, key string, lastEventID int64) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := s.consume(ctx, key, &lastEventID)
		held := time.Since(started)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("bridge: stream dropped: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = nextDelay(delay, held)
	}
}

// nextDelay grows the reconnect wait exponentially across quick failures,
// capped at 30s; a stream that stayed up past streamStableAfter starts the
// ladder over instead of inheriting the old penalty.
func nextDelay(prev, held time.Duration) time.Duration {
	if held >= streamStableAfter {
		return time.Second
	}
	d := prev * 2
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (s *Session) consume(ctx context.Context, key string, lastEventID *int64) error {
	url := fmt.Sprintf("%s/events?client_id=%s", s.bridgeURL, key)
	if *lastEventID > 0 {
		url += fmt.Sprintf("&last_event_id=%d", *lastEventID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var eventID int64
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id:"):
			if id, perr := strconv.ParseInt(strings.TrimSpace(line[3:]), 10, 64); perr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "data:"):
			s.dispatch(strings.TrimSpace(line[5:]))
			// ack strictly after the hand-off: a crash in between replays
			// the event on resume instead of silently skipping it
			if eventID > *lastEventID {
				*lastEventID = eventID
				//nolint:errcheck
				s.cursor.SetCursor(ctx, eventID)
			}
		}
		// comments, heartbeats and blank separators fall through
	}
	return scanner.Err()
}

func (s *Session) dispatch(data string) {
	if data == "" || data == "heartbeat" {
		return
	}

	var msg BridgeMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		log.Printf("bridge: malformed event: %v", err)
		return
	}

	s.mu.Lock()
	conn := s.byClient[msg.From]
	cipher := s.ciphers[msg.From]
	s.mu.Unlock()
	if conn == nil || cipher == nil {
		// peer we no longer track; the next Refresh already dropped it
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(msg.Message)
	if err != nil {
		log.Printf("bridge: bad message encoding from %s: %v", msg.From, err)
		return
	}
	plain, err := cipher.Decrypt(ciphertext, msg.From)
	if err != nil {
		log.Printf("bridge: cannot decrypt message from %s: %v", msg.From, err)
		return
	}

	var inner innerMessage
	//nolint:errcheck
	json.Unmarshal(plain, &inner)
	if inner.Method == "disconnect" {
		if s.cbs.OnDisconnect != nil {
			s.cbs.OnDisconnect(conn)
		}
		return
	}
	if s.cbs.OnRequest != nil {
		s.cbs.OnRequest(conn, json.RawMessage(plain))
	}
}

// SendResponse posts one response addressed by request id back over plain
// HTTP. No retries here: delivery policy belongs to the caller.
func (s *Session) SendResponse(ctx context.Context, conn *models.Connection, payload []byte) error {
	s.mu.Lock()
	cipher := s.ciphers[conn.ClientID]
	s.mu.Unlock()
	if cipher == nil {
		var err error
		cipher, err = sessioncrypto.FromKeys(conn.SessionKeys)
		if err != nil {
			return err
		}
	}

	ciphertext, err := cipher.Encrypt(payload, conn.ClientID)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/message?client_id=%s&to=%s&ttl=%d", s.bridgeURL, cipher.SessionID(), conn.ClientID, responseTTL)
	body := strings.NewReader(base64.StdEncoding.EncodeToString(ciphertext))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}

	resp, err := s.post.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge post status %d", resp.StatusCode)
	}
	return nil
}
