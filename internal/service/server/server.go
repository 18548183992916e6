package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sealed_chat/internal/model"
	backupRepo "sealed_chat/internal/repository/backup"
	deviceRepo "sealed_chat/internal/repository/device"
	userkeyRepo "sealed_chat/internal/repository/userkey"
	"sealed_chat/internal/service/redis"
	"sealed_chat/internal/utils/log"
)

// maxBackupSize bounds an uploaded backup blob; an identity keypair
// encrypts to well under a kilobyte.
const maxBackupSize = 64 * 1024

type (
	// HttpServer is the device directory plus the realtime relay. It
	// stores directory records (devices, user keys, backup blobs) and
	// forwards opaque ciphertext bundles between connected clients,
	// spooling them in redis while the recipient is offline. Message
	// content is never inspected.
	HttpServer struct {
		mu     sync.Mutex
		mapper map[string]*wsClient

		deviceRepo   *deviceRepo.DeviceRepo
		userKeyRepo  *userkeyRepo.UserKeyRepo
		backupRepo   *backupRepo.BackupRepo
		redisService *redis.RedisService
	}

	// wsClient serializes writes to one websocket connection. The relay
	// goroutine and the spool drainer both write to a peer, and gorilla
	// allows a single writer at a time.
	wsClient struct {
		mu   sync.Mutex
		conn *websocket.Conn
	}
)

func (c *wsClient) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func NewHttpServer(devices *deviceRepo.DeviceRepo, userKeys *userkeyRepo.UserKeyRepo, backups *backupRepo.BackupRepo, redisSvc *redis.RedisService) *HttpServer {
	return &HttpServer{
		mapper:       make(map[string]*wsClient),
		deviceRepo:   devices,
		userKeyRepo:  userKeys,
		backupRepo:   backups,
		redisService: redisSvc,
	}
}

// addClient registers conn for userID, refusing when the user already has
// a live connection. Check and insert share one critical section so two
// concurrent inits cannot both win.
func (s *HttpServer) addClient(userID string, conn *websocket.Conn) (*wsClient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mapper[userID]; ok {
		return nil, false
	}
	c := &wsClient{conn: conn}
	s.mapper[userID] = c
	return c, true
}

// removeClient drops the mapping only if it still points at c, so a
// reconnect that replaced the entry is not torn down by the old reader.
func (s *HttpServer) removeClient(userID string, c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapper[userID] == c {
		delete(s.mapper, userID)
	}
}

func (s *HttpServer) lookupClient(userID string) (*wsClient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.mapper[userID]
	return c, ok
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/devices", s.RegisterDevice()).Methods(http.MethodPost)
	r.HandleFunc("/devices/{userId}", s.ListDevices()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{userId}", s.PutUserKey()).Methods(http.MethodPut)
	r.HandleFunc("/keys/{userId}", s.GetUserKey()).Methods(http.MethodGet)
	r.HandleFunc("/backup/{userId}", s.PutBackup()).Methods(http.MethodPut)
	r.HandleFunc("/backup/{userId}", s.GetBackup()).Methods(http.MethodGet)
	return r
}

func (s *HttpServer) Run(addr string) {
	log.Info("directory server listening", zap.String("addr", addr))
	http.ListenAndServe(addr, s.Router())
}

func (s *HttpServer) RegisterDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var dev model.DeviceIdentity
		if err := json.NewDecoder(r.Body).Decode(&dev); err != nil {
			http.Error(w, "malformed device record", http.StatusBadRequest)
			return
		}
		if dev.UserID == "" || dev.DeviceID == "" || len(dev.PublicKey) == 0 {
			http.Error(w, "user_id, device_id and public_key are required", http.StatusBadRequest)
			return
		}

		if err := s.deviceRepo.Upsert(ctx, &dev); err != nil {
			log.Error("device upsert failed", zap.Error(err))
			http.Error(w, "device registration failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) ListDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := mux.Vars(r)["userId"]

		devices, err := s.deviceRepo.ListByUser(ctx, userID)
		if err != nil {
			log.Error("list devices failed", zap.Error(err))
			http.Error(w, "list devices failed", http.StatusInternalServerError)
			return
		}

		if devices == nil {
			devices = []model.DeviceIdentity{}
		}
		writeJSON(w, devices)
	}
}

func (s *HttpServer) PutUserKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := mux.Vars(r)["userId"]

		var key model.UserKey
		if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
			http.Error(w, "malformed key record", http.StatusBadRequest)
			return
		}
		key.UserID = userID

		if err := s.userKeyRepo.Put(ctx, &key); err != nil {
			log.Error("user key upsert failed", zap.Error(err))
			http.Error(w, "store key failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) GetUserKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := mux.Vars(r)["userId"]

		key, err := s.userKeyRepo.Get(ctx, userID)
		if err != nil {
			log.Error("user key fetch failed", zap.Error(err))
			http.Error(w, "fetch key failed", http.StatusInternalServerError)
			return
		}
		if key == nil {
			http.Error(w, "no key for user", http.StatusNotFound)
			return
		}
		writeJSON(w, key)
	}
}

func (s *HttpServer) PutBackup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := mux.Vars(r)["userId"]

		blob, err := io.ReadAll(io.LimitReader(r.Body, maxBackupSize+1))
		if err != nil {
			http.Error(w, "read body failed", http.StatusBadRequest)
			return
		}
		if len(blob) == 0 || len(blob) > maxBackupSize {
			http.Error(w, "invalid backup size", http.StatusBadRequest)
			return
		}

		if err := s.backupRepo.Put(ctx, userID, blob); err != nil {
			log.Error("backup upsert failed", zap.Error(err))
			http.Error(w, "store backup failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) GetBackup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := mux.Vars(r)["userId"]

		blob, err := s.backupRepo.Get(ctx, userID)
		if err != nil {
			log.Error("backup fetch failed", zap.Error(err))
			http.Error(w, "fetch backup failed", http.StatusInternalServerError)
			return
		}
		if blob == nil {
			http.Error(w, "no backup for user", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(blob)
	}
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userID")
		if userID == "" {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		if _, ok := s.lookupClient(userID); ok {
			http.Error(w, "duplicated userID", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "Failed to upgrade", http.StatusInternalServerError)
			return
		}

		client, ok := s.addClient(userID, conn)
		if !ok {
			// Lost the race against another init for the same user.
			conn.Close()
			return
		}

		go s.processWSMessage(userID, client)
		if err := s.ForwardSpooledMessages(userID); err != nil {
			log.Error("forward spooled messages failed", zap.Error(err))
		}
	}
}

func (s *HttpServer) processWSMessage(userID string, client *wsClient) {
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.Error(err))
			s.removeClient(userID, client)
			client.conn.Close()
			break
		}

		var message model.Message
		if err := json.Unmarshal(data, &message); err != nil {
			log.Error("Unmarshal message failed", zap.Error(err))
			continue
		}

		peer, online := s.lookupClient(message.RecipientID)
		if online {
			peer.WriteMessage(data)
		} else {
			if err := s.SpoolMessages(context.TODO(), message.RecipientID, []*model.Message{&message}); err != nil {
				log.Error("SpoolMessages failed", zap.Error(err))
			}
		}
	}
}

// ForwardSpooledMessages drains the user's offline spool into their fresh
// connection.
func (s *HttpServer) ForwardSpooledMessages(userID string) error {
	messages, err := s.DrainSpool(context.TODO(), userID)
	if err != nil {
		return err
	}

	client, ok := s.lookupClient(userID)
	if !ok {
		return nil
	}

	for _, message := range messages {
		client.WriteJSON(message)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "marshal response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
