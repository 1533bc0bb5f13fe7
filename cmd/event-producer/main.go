package main

import (
	"encoding/json"
	"flag"
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

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// LineItem mirrors the purchase document's item shape
type LineItem struct {
	Score     *float64 `json:"score,omitempty"`
	Qty       *int     `json:"qty,omitempty"`
	UnitPrice *float64 `json:"unitPrice,omitempty"`
}

// PurchaseSnapshot is the document state carried by a change event
type PurchaseSnapshot struct {
	Items        []LineItem `json:"items"`
	PurchaseDate time.Time  `json:"purchase_date"`
}

// ChangeEvent is the message published for each simulated purchase write
type ChangeEvent struct {
	UserID     string            `json:"user_id"`
	PurchaseID string            `json:"purchase_id"`
	Before     *PurchaseSnapshot `json:"before,omitempty"`
	After      *PurchaseSnapshot `json:"after,omitempty"`
}

func userID(idx int) string {
	return fmt.Sprintf("user-%04d", idx)
}

// randomItems builds a plausible basket: mostly scored items, occasionally
// a missing field to exercise the defaulting rules.
func randomItems() []LineItem {
	n := rand.Intn(5) + 1
	items := make([]LineItem, n)
	for i := range items {
		score := float64(rand.Intn(101))
		qty := rand.Intn(3) + 1
		price := float64(rand.Intn(2000)) / 100

		items[i] = LineItem{Score: &score, Qty: &qty, UnitPrice: &price}
		switch rand.Intn(10) {
		case 0:
			items[i].UnitPrice = nil
		case 1:
			items[i].Qty = nil
		}
	}
	return items
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "purchase-events", "Kafka topic")
	totalUsers := flag.Int("users", 100, "Number of distinct users")
	eventsPerSecond := flag.Int("rate", 50, "Purchase events per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	deleteRatio := flag.Int("delete-ratio", 5, "Percent of events emitted as deletions")
	flag.Parse()

	brokerList := strings.Split(*brokers, ",")

	fmt.Println("Purchase event producer")
	fmt.Printf("  Brokers:     %s\n", *brokers)
	fmt.Printf("  Topic:       %s\n", *topic)
	fmt.Printf("  Users:       %d\n", *totalUsers)
	fmt.Printf("  Events/sec:  %d\n", *eventsPerSecond)
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	// Create producer
	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}
	defer producer.Close()

	// Handle producer errors and successes
	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	sendEvent := func(event ChangeEvent) {
		data, err := json.Marshal(event)
		if err != nil {
			log.Printf("Failed to marshal event: %v", err)
			return
		}

		msg := &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(event.UserID),
			Value: sarama.ByteEncoder(data),
		}

		select {
		case producer.Input() <- msg:
		case <-done:
			return
		}
	}

	shutdown := func() {
		close(done)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("\nCompleted. Sent: %d, Errors: %d\n",
			atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	interval := time.Second / time.Duration(*eventsPerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var eventCount int64

	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	for {
		select {
		case <-sigChan:
			fmt.Println("\nShutting down...")
			shutdown()
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				fmt.Println("\nDuration reached, shutting down...")
				shutdown()
				return
			}

			event := ChangeEvent{
				UserID:     userID(rand.Intn(*totalUsers)),
				PurchaseID: uuid.New().String(),
			}
			if rand.Intn(100) >= *deleteRatio {
				event.After = &PurchaseSnapshot{
					Items:        randomItems(),
					PurchaseDate: time.Now().Add(-time.Duration(rand.Intn(72)) * time.Hour),
				}
			}
			sendEvent(event)
			atomic.AddInt64(&eventCount, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Events: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&eventCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
