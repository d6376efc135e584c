package fake

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/Rafael-2109/frete-sistema-sub020/internal/integrations/geocode"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
)

// FakeClient — детерминированный геокодер для локальной разработки и
// тестов: координата выводится из хэша адреса, без сети.
type FakeClient struct {
	mu    sync.Mutex
	fixed map[string]geocode.Result
}

func New() *FakeClient {
	return &FakeClient{fixed: map[string]geocode.Result{}}
}

// Put pins an exact result for an address (tests).
func (f *FakeClient) Put(address string, res geocode.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixed[address] = res
}

func (f *FakeClient) Resolve(ctx context.Context, address, countryHint string) (geocode.Result, error) {
	f.mu.Lock()
	if res, ok := f.fixed[address]; ok {
		f.mu.Unlock()
		return res, nil
	}
	f.mu.Unlock()

	if strings.TrimSpace(address) == "" {
		return geocode.Result{}, models.ErrNotFound
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(address))
	v := h.Sum64()

	// Укладываем хэш в валидный диапазон координат.
	lat := float64(v%18000)/100.0 - 90.0
	lon := float64((v/18000)%36000)/100.0 - 180.0

	return geocode.Result{Lat: lat, Lon: lon, DisplayName: address}, nil
}
