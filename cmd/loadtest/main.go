package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"salonchat/internal/api"
	"salonchat/internal/conversation"
	"salonchat/internal/events"
	"salonchat/internal/logger"
	"salonchat/internal/models"
	"salonchat/internal/websocket"
)

const (
	NUM_USERS        = 500
	MESSAGES_PER_SEC = 1
	SIMULATION_TIME  = 60 // seconds
	BASE_URL         = "http://localhost:8080"
	SOCKET_URL       = "ws://localhost:8080/ws"
	CONVERSATIONS    = 50  // number of conversations to distribute users across
	BATCH_SIZE       = 100 // number of users to create in parallel
)

type options struct {
	users         int
	conversations int
	duration      time.Duration
	rate          int
	baseURL       string
	socketURL     string
}

type User struct {
	ID    string
	Token string
	API   *api.Client
}

type OperationType int

const (
	WriteOperation OperationType = iota
	ReadOperation
)

type Stats struct {
	sync.Mutex
	totalRequests     int64
	successRequests   int64
	failedRequests    int64
	totalLatency      time.Duration
	maxLatency        time.Duration
	minLatency        time.Duration
	requestsPerSecond float64
	writeLatencies    []time.Duration // socket send until the echo arrives
	readLatencies     []time.Duration // REST message page
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}

	switch opType {
	case WriteOperation:
		s.writeLatencies = append(s.writeLatencies, latency)
	case ReadOperation:
		s.readLatencies = append(s.readLatencies, latency)
	}
}

func (s *Stats) recordError() {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
}

func (s *Stats) calculateStats(duration time.Duration) {
	s.Lock()
	defer s.Unlock()
	s.requestsPerSecond = float64(s.totalRequests) / duration.Seconds()
}

func (s *Stats) getP99Latency(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	p99Index := int(float64(len(sorted)) * 0.99)
	if p99Index >= len(sorted) {
		p99Index = len(sorted) - 1
	}

	return sorted[p99Index]
}

func (s *Stats) getP99WriteLatency() time.Duration {
	s.Lock()
	defer s.Unlock()
	return s.getP99Latency(s.writeLatencies)
}

func (s *Stats) getP99ReadLatency() time.Duration {
	s.Lock()
	defer s.Unlock()
	return s.getP99Latency(s.readLatencies)
}

func registerUser(ctx context.Context, opts options, id int, log *zap.Logger) (*User, error) {
	client := api.NewClient(api.ClientConfig{BaseURL: opts.baseURL, Logger: log})
	username := fmt.Sprintf("loadtest_user_%d_%d", time.Now().Unix(), id)
	password := "testpass123"

	if _, err := client.Register(ctx, models.RegisterRequest{
		Username:  username,
		Password:  password,
		FirstName: fmt.Sprintf("User %d", id),
	}); err != nil {
		return nil, err
	}
	resp, err := client.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return &User{ID: resp.User.ID, Token: resp.Token, API: client}, nil
}

func createUsersInParallel(ctx context.Context, opts options, start, end int, users []*User, wg *sync.WaitGroup, errChan chan<- error, log *zap.Logger) {
	defer wg.Done()

	for i := start; i < end; i++ {
		user, err := registerUser(ctx, opts, i, log)
		if err != nil {
			errChan <- fmt.Errorf("failed to register user %d: %w", i, err)
			continue
		}
		users[i] = user
	}
}

// createConversations puts user i into conversation i % n. The admin is in
// every conversation.
func createConversations(ctx context.Context, opts options, admin *User, users []*User) ([]string, error) {
	members := make([][]string, opts.conversations)
	for i, u := range users {
		if u != nil {
			members[i%opts.conversations] = append(members[i%opts.conversations], u.ID)
		}
	}

	ids := make([]string, opts.conversations)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	batchSize := 10
	for i := 0; i < opts.conversations; i += batchSize {
		end := min(i+batchSize, opts.conversations)
		for j := i; j < end; j++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				conv, err := admin.API.CreateConversation(ctx, fmt.Sprintf("LoadTest Conversation %d", id), members[id])
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, fmt.Errorf("failed to create conversation %d: %w", id, err))
					return
				}
				ids[id] = conv.ID
			}(j)
		}
		wg.Wait() // Wait for each batch to complete before starting the next
	}

	if len(errs) > 0 {
		return ids, fmt.Errorf("failed to create some conversations: %v", errs)
	}
	return ids, nil
}

func simulateUser(ctx context.Context, opts options, user *User, conversationID string, wg *sync.WaitGroup, stats *Stats, log *zap.Logger) {
	defer wg.Done()

	socket := websocket.NewClient(websocket.Options{URL: opts.socketURL, Logger: log})
	defer socket.Close()
	session := conversation.NewSession(socket, events.NewBus(log), log)
	defer session.Close()

	var (
		mu      sync.Mutex
		pending = make(map[string]time.Time)
	)
	off := socket.On(models.EventNewMessage, func(payload json.RawMessage) {
		var msg models.Message
		if err := json.Unmarshal(payload, &msg); err != nil || msg.SenderID != user.ID {
			return
		}
		mu.Lock()
		start, ok := pending[msg.Content]
		delete(pending, msg.Content)
		mu.Unlock()
		if ok {
			stats.recordSuccess(time.Since(start), WriteOperation)
		}
	})
	defer off()

	socket.Connect(user.Token)
	if err := session.Join(conversationID); err != nil {
		stats.recordError()
		return
	}

	ticker := time.NewTicker(time.Second / time.Duration(opts.rate))
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			for range pending {
				stats.recordError()
			}
			mu.Unlock()
			return
		case <-ticker.C:
		}

		// Randomly choose between read and write operations
		if rand.Float32() < 0.5 {
			seq++
			content := fmt.Sprintf("Test message %d from user %s at %s", seq, user.ID, time.Now().Format(time.RFC3339Nano))
			mu.Lock()
			pending[content] = time.Now()
			mu.Unlock()
			if err := session.SendMessage(content, nil); err != nil {
				mu.Lock()
				delete(pending, content)
				mu.Unlock()
				stats.recordError()
			}
			continue
		}

		start := time.Now()
		if _, err := user.API.Messages(ctx, conversationID, 0); err != nil {
			if ctx.Err() == nil {
				stats.recordError()
				log.Debug("error reading messages", zap.Error(err))
			}
			continue
		}
		stats.recordSuccess(time.Since(start), ReadOperation)
	}
}

func main() {
	var opts options
	flag.IntVar(&opts.users, "users", NUM_USERS, "number of simulated users")
	flag.IntVar(&opts.conversations, "conversations", CONVERSATIONS, "number of conversations to distribute users across")
	flag.DurationVar(&opts.duration, "duration", SIMULATION_TIME*time.Second, "simulation time")
	flag.IntVar(&opts.rate, "rate", MESSAGES_PER_SEC, "operations per second per user")
	flag.StringVar(&opts.baseURL, "api", BASE_URL, "REST base URL")
	flag.StringVar(&opts.socketURL, "socket", SOCKET_URL, "socket URL")
	development := flag.Bool("dev", false, "development logging")
	flag.Parse()
	opts.conversations = max(opts.conversations, 1)
	opts.rate = max(opts.rate, 1)

	base, err := logger.New(*development)
	if err != nil {
		panic(err)
	}
	defer base.Sync()
	log := base.Named("loadtest")
	// per-client noise stays out of the report
	quiet := zap.NewNop()

	log.Info("starting load test",
		zap.Int("users", opts.users),
		zap.Int("rate", opts.rate),
		zap.Duration("duration", opts.duration))
	log.Info("make sure the server runs with a separate database: go run ./cmd/devserver -loadtest")

	ctx := context.Background()

	admin, err := registerUser(ctx, opts, -1, quiet)
	if err != nil {
		log.Fatal("failed to register admin user", zap.Error(err))
	}
	log.Info("admin user registered")

	users := make([]*User, opts.users)
	var wg sync.WaitGroup
	errChan := make(chan error, opts.users)

	log.Info("creating users", zap.Int("batch_size", BATCH_SIZE))
	startTime := time.Now()

	for i := 0; i < opts.users; i += BATCH_SIZE {
		wg.Add(1)
		go createUsersInParallel(ctx, opts, i, min(i+BATCH_SIZE, opts.users), users, &wg, errChan, quiet)
	}

	go func() {
		wg.Wait()
		close(errChan)
	}()

	errorCount := 0
	for err := range errChan {
		errorCount++
		if errorCount <= 10 { // Only log first 10 errors to avoid spam
			log.Warn("registration error", zap.Error(err))
		}
	}

	registrationDuration := time.Since(startTime)
	successfulUsers := 0
	for _, user := range users {
		if user != nil {
			successfulUsers++
		}
	}
	log.Info("user registration completed",
		zap.Duration("took", registrationDuration),
		zap.Float64("users_per_sec", float64(successfulUsers)/registrationDuration.Seconds()),
		zap.Int("registered", successfulUsers),
		zap.Int("failed", errorCount))

	if successfulUsers < opts.users/2 {
		log.Fatal("too many registration failures, aborting load test")
	}

	conversationIDs, err := createConversations(ctx, opts, admin, users)
	if err != nil {
		log.Warn("conversation setup incomplete", zap.Error(err))
	}
	log.Info("finished creating conversations", zap.Int("conversations", opts.conversations))

	stats := &Stats{}
	runCtx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	var loadTestWg sync.WaitGroup
	start := time.Now()
	for i, user := range users {
		convID := conversationIDs[i%opts.conversations]
		if user == nil || convID == "" {
			continue
		}
		loadTestWg.Add(1)
		go simulateUser(runCtx, opts, user, convID, &loadTestWg, stats, quiet)
	}

	loadTestWg.Wait()
	duration := time.Since(start)
	stats.calculateStats(duration)

	var avg time.Duration
	if stats.successRequests > 0 {
		avg = stats.totalLatency / time.Duration(stats.successRequests)
	}

	var report strings.Builder
	fmt.Fprintf(&report, "\nLoad Test Results:\n")
	fmt.Fprintf(&report, "Total Requests: %d\n", stats.totalRequests)
	fmt.Fprintf(&report, "Successful Requests: %d\n", stats.successRequests)
	fmt.Fprintf(&report, "Failed Requests: %d\n", stats.failedRequests)
	fmt.Fprintf(&report, "Average Latency: %v\n", avg)
	fmt.Fprintf(&report, "Min Latency: %v\n", stats.minLatency)
	fmt.Fprintf(&report, "Max Latency: %v\n", stats.maxLatency)
	fmt.Fprintf(&report, "P99 Echo Latency: %v\n", stats.getP99WriteLatency())
	fmt.Fprintf(&report, "P99 Read Latency: %v\n", stats.getP99ReadLatency())
	fmt.Fprintf(&report, "Requests per Second: %.2f\n", stats.requestsPerSecond)
	fmt.Fprintf(&report, "Total Duration: %v\n", duration)
	fmt.Print(report.String())
}
