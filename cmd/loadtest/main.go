package main

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/chatterbox/pkg/client"
	"github.com/aeolun/chatterbox/pkg/protocol"
	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

var errConnectionClosed = errors.New("connection closed")

// generateUsername combines a lorem fragment with a short random suffix
func generateUsername() string {
	word := strings.ToLower(strings.Trim(loremWords[rand.Intn(len(loremWords))], ".,"))
	if len(word) > 6 {
		word = word[:6]
	}
	return word + "-" + uuid.NewString()[:8]
}

func randomText() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	chatsSent         atomic.Int64
	whispersSent      atomic.Int64
	listsSent         atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	responses         atomic.Int64
	connectionErrors  atomic.Int64
	nameCollisions    atomic.Int64

	// Detailed failure tracking
	failed         atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
	targetErrors   atomic.Int64
}

func (s *Stats) recordSuccess(tag protocol.Tag, responseTimeUs int64) {
	switch tag {
	case protocol.TagSendChat:
		s.chatsSent.Add(1)
	case protocol.TagSendWhisper:
		s.whispersSent.Add(1)
	case protocol.TagListUsers:
		s.listsSent.Add(1)
	}
	s.responses.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordFailure(err error) {
	s.failed.Add(1)
	switch {
	case errors.Is(err, errConnectionClosed), errors.Is(err, client.ErrConnectionClosed):
		s.disconnections.Add(1)
	case errors.Is(err, errTimeout):
		s.timeouts.Add(1)
	}
}

func (s *Stats) snapshot() (responses, failed, connErrors int64, avgResponseUs float64) {
	responses = s.responses.Load()
	failed = s.failed.Load()
	connErrors = s.connectionErrors.Load()

	if responses > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(responses)
	}

	return
}

var errTimeout = errors.New("timeout waiting for response")

// BotClient is a scripted chat user
type BotClient struct {
	id       int
	username string
	conn     *client.Connection
	stats    *Stats
	others   []string // names seen in the last users reply
}

func NewBotClient(id int, serverAddr string, stats *Stats, throttle int) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	if throttle > 0 {
		conn.SetThrottle(throttle)
	}

	return &BotClient{
		id:       id,
		username: generateUsername(),
		conn:     conn,
		stats:    stats,
	}, nil
}

// Connect dials and registers, picking a new name on collisions
func (bc *BotClient) Connect() error {
	if err := bc.conn.Connect(); err != nil {
		bc.stats.connectionErrors.Add(1)
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := bc.conn.Register(bc.username, 5*time.Second)
		if err == nil {
			return nil
		}
		if !errors.Is(err, client.ErrNameTaken) {
			bc.stats.connectionErrors.Add(1)
			return err
		}
		bc.stats.nameCollisions.Add(1)
		bc.username = generateUsername()
	}
	bc.stats.connectionErrors.Add(1)
	return fmt.Errorf("no free username after 3 attempts")
}

// await skips lines until match accepts one
func (bc *BotClient) await(timeout time.Duration, match func(protocol.Message) (bool, error)) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-bc.conn.Incoming():
			if !ok {
				return errConnectionClosed
			}
			if done, err := match(msg); done {
				return err
			}
		case <-timer.C:
			return errTimeout
		}
	}
}

// roundTrip sends one command and waits for the line that answers it
func (bc *BotClient) roundTrip(tag protocol.Tag, fields []string, match func(protocol.Message) (bool, error)) error {
	start := time.Now()
	if err := bc.conn.Send(tag, fields...); err != nil {
		bc.stats.recordFailure(err)
		return err
	}

	if err := bc.await(10*time.Second, match); err != nil {
		bc.stats.recordFailure(err)
		return err
	}

	bc.stats.recordSuccess(tag, time.Since(start).Microseconds())
	return nil
}

// Chat broadcasts a message and waits for its own echo
func (bc *BotClient) Chat() error {
	body := randomText()
	return bc.roundTrip(protocol.TagSendChat, []string{body}, func(msg protocol.Message) (bool, error) {
		return msg.Tag == protocol.TagChatReceived && msg.Field(0) == bc.username && msg.Field(1) == body, nil
	})
}

// Whisper messages a random user from the last list
func (bc *BotClient) Whisper() error {
	if len(bc.others) == 0 {
		return bc.ListUsers()
	}
	target := bc.others[rand.Intn(len(bc.others))]
	return bc.roundTrip(protocol.TagSendWhisper, []string{target, randomText()}, func(msg protocol.Message) (bool, error) {
		switch {
		case msg.Tag == protocol.TagWhisperSent && msg.Field(0) == target:
			return true, nil
		case msg.Tag == protocol.TagTargetError && msg.Field(0) == target:
			// the target left between list and whisper
			bc.stats.targetErrors.Add(1)
			return true, nil
		}
		return false, nil
	})
}

// ListUsers refreshes the whisper targets
func (bc *BotClient) ListUsers() error {
	return bc.roundTrip(protocol.TagListUsers, nil, func(msg protocol.Message) (bool, error) {
		if msg.Tag != protocol.TagUsers {
			return false, nil
		}
		bc.others = bc.others[:0]
		for _, name := range msg.Fields {
			if name != bc.username {
				bc.others = append(bc.others, name)
			}
		}
		return true, nil
	})
}

// Disconnect leaves cleanly and waits for the acknowledgement
func (bc *BotClient) Disconnect() error {
	if err := bc.conn.Send(protocol.TagDisconnect); err != nil {
		return err
	}
	return bc.await(5*time.Second, func(msg protocol.Message) (bool, error) {
		return msg.Tag == protocol.TagDisconnected, nil
	})
}

func (bc *BotClient) Run(stop <-chan struct{}, duration time.Duration, minDelay, maxDelay time.Duration, shutdownDelay time.Duration) {
	defer bc.conn.Close()

	endTime := time.Now().Add(duration)

loop:
	for time.Now().Before(endTime) {
		var err error
		switch r := rand.Float32(); {
		case r < 0.7:
			err = bc.Chat()
		case r < 0.9:
			err = bc.Whisper()
		default:
			err = bc.ListUsers()
		}
		if errors.Is(err, errConnectionClosed) || errors.Is(err, client.ErrConnectionClosed) {
			return
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-stop:
			break loop
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-stop:
		}
	}

	if err := bc.Disconnect(); err != nil {
		bc.stats.recordFailure(err)
	}
}

func main() {
	serverAddr := flag.StringP("server", "s", "localhost:6789", "Server address (host:port, ssh:// or ws://)")
	numClients := flag.IntP("clients", "c", 10, "Number of concurrent clients")
	duration := flag.DurationP("duration", "d", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between commands")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between commands")
	slowClients := flag.Int("slow-clients", 0, "Number of clients that read at --throttle bytes/sec")
	throttle := flag.Int("throttle", 3600, "Bandwidth of slow clients in bytes/sec")
	flag.Parse()

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(max(*numClients, 1))
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d (%d slow at %d B/s)", *numClients, *slowClients, *throttle)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	stop := make(chan struct{})
	var stopOnce sync.Once
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopOnce.Do(func() { close(stop) })
	}()

	// Start stats reporter
	statsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				responses, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d round trips (%.1f/s), %d failed, %d conn errors, avg %.2fms",
					responses, float64(responses)/elapsed, failed, connErrors, avgUs/1000.0)
			case <-statsDone:
				return
			}
		}
	}()

	startTime := time.Now()

spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)
		clientThrottle := 0
		if i < *slowClients {
			clientThrottle = *throttle
		}

		go func(id int, shutdownDelay time.Duration, throttle int) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats, throttle)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}

			if err := bot.Connect(); err != nil {
				bot.conn.Close()
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.username)
			}

			bot.Run(stop, *duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay, clientThrottle)

		select {
		case <-time.After(staggerDelay):
		case <-stop:
			break spawn
		}
	}

	wg.Wait()
	close(statsDone)

	responses, failed, connErrors, avgUs := stats.snapshot()
	elapsed := time.Since(startTime)

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", elapsed.Round(time.Millisecond))
	log.Printf("Round trips: %d (%.1f/s)", responses, float64(responses)/elapsed.Seconds())
	log.Printf("  - Chats echoed: %d", stats.chatsSent.Load())
	log.Printf("  - Whispers confirmed: %d", stats.whispersSent.Load())
	log.Printf("  - User lists: %d", stats.listsSent.Load())
	log.Printf("Failures: %d", failed)
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Whispers to departed users: %d", stats.targetErrors.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Name collisions: %d", stats.nameCollisions.Load())
	log.Printf("Average response time: %.2fms", avgUs/1000.0)

	if total := responses + failed; total > 0 {
		log.Printf("Success rate: %.1f%%", float64(responses)/float64(total)*100)
	}
}
