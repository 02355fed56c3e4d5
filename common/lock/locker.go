package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout 락 획득 대기 시간 초과
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Unlock 락 해제 함수
type Unlock func()

// Locker 키 단위 상호 배제 인터페이스
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// LocalLocker 프로세스 내부 키 단위 락
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker 로컬 락 생성
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

// Lock 키 락 획득 (컨텍스트 취소 시 중단)
func (l *LocalLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(key, kl)
		})
	}, nil
}

func (l *LocalLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Size 현재 추적 중인 키 개수
func (l *LocalLocker) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// releaseScript 토큰이 일치할 때만 삭제 (다른 인스턴스의 락을 지우지 않도록)
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 인스턴스 간 공유되는 Redis 기반 락
type RedisLocker struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	pollEvery time.Duration
	waitLimit time.Duration
}

// NewRedisLocker Redis 락 생성
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		pollEvery: 25 * time.Millisecond,
		waitLimit: ttl,
	}
}

// Lock SET NX PX로 락 획득, 실패 시 폴링
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	fullKey := fmt.Sprintf("%s:lock:%s", l.prefix, key)
	token := uuid.New().String()
	deadline := time.Now().Add(l.waitLimit)

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollEvery):
		}
	}

	return func() {
		// 호출자 컨텍스트가 이미 취소됐을 수 있으므로 별도 컨텍스트 사용
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err()
	}, nil
}
