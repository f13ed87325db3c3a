package reqscope

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// renewBefore is how long before its expiry a stored leaf stops being
// handed out.
const renewBefore = time.Hour

// CertStorage holds the leaf certificates issued by a CertificateAuthority,
// keyed by hostname. Implementations must not return a leaf that is about
// to expire; the authority issues a replacement instead.
type CertStorage interface {
	Get(hostname string) (*tls.Certificate, bool)
	Add(hostname string, cert *tls.Certificate)
	// Len reports the number of held certificates, expired ones included.
	Len() int
}

// MapCertStorage keeps issued certificates for the process lifetime.
type MapCertStorage struct {
	mu    sync.RWMutex
	certs map[string]*tls.Certificate
	now   func() time.Time
}

func NewMapCertStorage() *MapCertStorage {
	return &MapCertStorage{
		certs: make(map[string]*tls.Certificate),
		now:   time.Now,
	}
}

func (s *MapCertStorage) Get(hostname string) (*tls.Certificate, bool) {
	s.mu.RLock()
	cert, ok := s.certs[hostname]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if !usable(cert, s.now()) {
		s.mu.Lock()
		if s.certs[hostname] == cert {
			delete(s.certs, hostname)
		}
		s.mu.Unlock()

		return nil, false
	}

	return cert, true
}

func (s *MapCertStorage) Add(hostname string, cert *tls.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.certs[hostname] = cert
}

func (s *MapCertStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.certs)
}

// LRUCertStorage bounds the number of held certificates. Evicted hosts get
// a fresh certificate on their next connection.
type LRUCertStorage struct {
	cache *lru.Cache
	now   func() time.Time
}

func NewLRUStorage(cacheSize int) (*LRUCertStorage, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("could not create certificate cache: %w", err)
	}

	return &LRUCertStorage{
		cache: cache,
		now:   time.Now,
	}, nil
}

func (s *LRUCertStorage) Get(hostname string) (*tls.Certificate, bool) {
	v, ok := s.cache.Get(hostname)
	if !ok {
		return nil, false
	}

	cert := v.(*tls.Certificate)
	if !usable(cert, s.now()) {
		s.cache.Remove(hostname)
		return nil, false
	}

	return cert, true
}

func (s *LRUCertStorage) Add(hostname string, cert *tls.Certificate) {
	s.cache.Add(hostname, cert)
}

func (s *LRUCertStorage) Len() int {
	return s.cache.Len()
}

// usable reports whether cert can still be presented at now. Certificates
// without a parsed leaf are trusted as is.
func usable(cert *tls.Certificate, now time.Time) bool {
	if cert == nil {
		return false
	}

	if cert.Leaf == nil {
		return true
	}

	return now.Add(renewBefore).Before(cert.Leaf.NotAfter)
}
