package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ambulance/internal/logger"
)

// Locker hands out short leases so only one process runs a job at a time.
type Locker interface {
	// TryLock returns ok=false when another holder has the key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisLocker leases keys with SET NX PX; release deletes the key only while
// it still holds this holder's token.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{"lock:" + key}, token).Err()
	}, true, nil
}

// MemoryLocker is the single-process Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if until, held := l.leases[key]; held && now.Before(until) {
		return func() {}, false, nil
	}
	until := now.Add(ttl)
	l.leases[key] = until
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.leases[key].Equal(until) {
			delete(l.leases, key)
		}
	}, true, nil
}

// Job is a named periodic task.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// SweepJob adapts a sweep to a Job.
func SweepJob(name string, every time.Duration, fn func(context.Context) (SweepResult, error)) Job {
	return Job{Name: name, Every: every, Run: func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}}
}

// Runner fires jobs on their interval under a lease named after the job.
type Runner struct {
	locker Locker
	jobs   []Job
	log    *logger.Logger
}

func NewRunner(locker Locker, log *logger.Logger, jobs ...Job) *Runner {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{locker: locker, jobs: jobs, log: log}
}

// Run blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range r.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			r.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	if job.Every <= 0 {
		r.log.Warn(logger.Entry{Action: job.Name, Message: "job disabled, interval must be positive",
			Additional: map[string]any{"every": job.Every.String()}})
		return
	}
	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.fire(ctx, job); err != nil && ctx.Err() == nil {
				r.log.Error(logger.Entry{Action: job.Name, Message: "job failed", Error: logger.Err(err)})
			}
		}
	}
}

// RunOnce fires every job one time and joins their errors.
func (r *Runner) RunOnce(ctx context.Context) error {
	var errs []error
	for _, job := range r.jobs {
		ran, err := r.fire(ctx, job)
		if err != nil {
			r.log.Error(logger.Entry{Action: job.Name, Message: "job failed", Error: logger.Err(err)})
			errs = append(errs, err)
			continue
		}
		if !ran {
			r.log.Info(logger.Entry{Action: job.Name, Message: "skipped, another worker holds the lease"})
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) fire(ctx context.Context, job Job) (bool, error) {
	lease := job.Every
	if lease <= 0 {
		lease = time.Minute
	}
	release, ok, err := r.locker.TryLock(ctx, "job:"+job.Name, lease)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer release()
	return true, job.Run(ctx)
}
