package automation

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/automation-engine/internal/pkg/distlock"
)

// DateFieldScanner runs the daily scan that fires date_field triggers:
// for every active date-triggered automation it finds subscribers whose
// stored date, minus the configured offset, lands on today and synthesizes
// trigger events for them. A distributed lock keeps the scan single-flight
// across replicas so a date never fires twice.
type DateFieldScanner struct {
	store    *Store
	matcher  *TriggerMatcher
	redis    *redis.Client
	db       *sql.DB
	scanHour int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	lastScanDay string
}

func NewDateFieldScanner(store *Store, matcher *TriggerMatcher, redisClient *redis.Client, db *sql.DB, scanHourUTC int) *DateFieldScanner {
	return &DateFieldScanner{
		store:    store,
		matcher:  matcher,
		redis:    redisClient,
		db:       db,
		scanHour: scanHourUTC,
	}
}

// Start begins the scan loop.
func (ds *DateFieldScanner) Start() {
	ds.mu.Lock()
	if ds.running {
		ds.mu.Unlock()
		return
	}
	ds.running = true
	ds.ctx, ds.cancel = context.WithCancel(context.Background())
	ds.mu.Unlock()

	log.Printf("[DateFieldScanner] Starting (scan hour %02d:00 UTC)", ds.scanHour)

	ds.wg.Add(1)
	go ds.scanLoop()
}

// Stop stops the scan loop.
func (ds *DateFieldScanner) Stop() {
	ds.mu.Lock()
	if !ds.running {
		ds.mu.Unlock()
		return
	}
	ds.running = false
	ds.cancel()
	ds.mu.Unlock()

	ds.wg.Wait()
	log.Println("[DateFieldScanner] Stopped")
}

func (ds *DateFieldScanner) scanLoop() {
	defer ds.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ds.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			day := now.Format("2006-01-02")
			if now.Hour() != ds.scanHour || ds.lastScanDay == day {
				continue
			}
			if err := ds.RunScan(ds.ctx, now); err != nil {
				log.Printf("[DateFieldScanner] Scan failed: %v", err)
				continue
			}
			ds.lastScanDay = day
		}
	}
}

// RunScan executes one scan for the given day, guarded by the distributed
// lock. A replica that loses the lock skips the day. On success the lock
// stays held until its TTL expires; lastScanDay is process-local, so a
// released lock would let a sibling replica's tick in the same hour rerun
// the day. Only a failed scan releases, so the day can be retried.
func (ds *DateFieldScanner) RunScan(ctx context.Context, now time.Time) error {
	day := now.UTC().Format("2006-01-02")
	lock := distlock.NewLock(ds.redis, ds.db, fmt.Sprintf("datefield-scan:%s", day), time.Hour)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire scan lock: %w", err)
	}
	if !acquired {
		log.Printf("[DateFieldScanner] Scan for %s already ran or is running elsewhere", day)
		return nil
	}

	automations, err := ds.store.ActiveAutomationsByTrigger(ctx, TriggerDateField)
	if err != nil {
		lock.Release(ctx)
		return err
	}

	var fired int
	for _, a := range automations {
		n, err := ds.scanAutomation(ctx, a, now)
		if err != nil {
			log.Printf("[DateFieldScanner] Error scanning automation %s: %v", a.ID, err)
			continue
		}
		fired += n
	}

	log.Printf("[DateFieldScanner] Scan for %s done: %d automations, %d events", day, len(automations), fired)
	return nil
}

func (ds *DateFieldScanner) scanAutomation(ctx context.Context, a *Automation, now time.Time) (int, error) {
	cfg := a.TriggerConfig
	matches, err := ds.matcher.subscribers.ScanDateField(ctx, cfg.DateField, cfg.DaysBefore, now)
	if err != nil {
		return 0, err
	}
	for _, m := range matches {
		dateValue := m.DateValue
		event := TriggerEvent{
			Type:         TriggerDateField,
			SubscriberID: m.SubscriberID,
			Payload: EventPayload{
				DateField: cfg.DateField,
				DateValue: &dateValue,
			},
			OccurredAt: now,
		}
		if err := ds.matcher.Match(ctx, event); err != nil {
			return 0, err
		}
	}
	return len(matches), nil
}
