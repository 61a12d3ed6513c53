package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ObjectInfo describes one stored backup archive.
type ObjectInfo struct {
	Name      string    `json:"name"`
	SizeBytes uint64    `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ObjectStore is the archive destination. Implementations must list
// objects oldest first so pruning can drop from the front.
type ObjectStore interface {
	Put(ctx context.Context, name string, r io.Reader, progress func(sent int64)) (ObjectInfo, error)
	List(ctx context.Context) ([]ObjectInfo, error)
	Delete(ctx context.Context, name string) error
	Close()
}

// NATSStoreConfig locates the JetStream object store bucket. When URL
// is empty an embedded nats-server is started with its JetStream data
// under StoreDir.
type NATSStoreConfig struct {
	URL      string
	Bucket   string
	StoreDir string
}

// NATSStore keeps backup archives in a JetStream object store bucket.
type NATSStore struct {
	srv *natsserver.Server
	nc  *nats.Conn
	obj jetstream.ObjectStore
}

// OpenNATSStore connects to cfg.URL (or boots an embedded server) and
// creates the bucket if it does not exist yet.
func OpenNATSStore(ctx context.Context, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("backup bucket name is empty")
	}

	store := &NATSStore{}
	url := cfg.URL
	if url == "" {
		srv, err := startEmbeddedServer(cfg.StoreDir)
		if err != nil {
			return nil, err
		}
		store.srv = srv
		url = srv.ClientURL()
		log.Printf("Embedded NATS server for backups listening on %s", url)
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	store.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	obj, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.Bucket,
		Description: "Server backup archives",
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open object store bucket %q: %w", cfg.Bucket, err)
	}
	store.obj = obj
	return store, nil
}

func startEmbeddedServer(storeDir string) (*natsserver.Server, error) {
	opts := &natsserver.Options{
		ServerName: "warden-backups",
		Host:       "127.0.0.1",
		Port:       -1,
		JetStream:  true,
		StoreDir:   storeDir,
		NoLog:      true,
		MaxPayload: 8 * 1024 * 1024,
	}

	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(30 * time.Second) {
		srv.Shutdown()
		return nil, errors.New("embedded NATS server not ready within timeout")
	}
	return srv, nil
}

type countingReader struct {
	r        io.Reader
	sent     int64
	progress func(sent int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.sent += int64(n)
		if c.progress != nil {
			c.progress(c.sent)
		}
	}
	return n, err
}

// Put streams r into the bucket under name, overwriting any previous
// object of the same name.
func (s *NATSStore) Put(ctx context.Context, name string, r io.Reader, progress func(sent int64)) (ObjectInfo, error) {
	info, err := s.obj.Put(ctx, jetstream.ObjectMeta{Name: name}, &countingReader{r: r, progress: progress})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("upload %s: %w", name, err)
	}
	return ObjectInfo{Name: info.Name, SizeBytes: info.Size, ModTime: info.ModTime}, nil
}

// List returns the stored archives, oldest first.
func (s *NATSStore) List(ctx context.Context) ([]ObjectInfo, error) {
	infos, err := s.obj.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list backups: %w", err)
	}

	out := make([]ObjectInfo, 0, len(infos))
	for _, info := range infos {
		if info.Deleted {
			continue
		}
		out = append(out, ObjectInfo{Name: info.Name, SizeBytes: info.Size, ModTime: info.ModTime})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.Before(out[j].ModTime) })
	return out, nil
}

// Delete removes one archive by name.
func (s *NATSStore) Delete(ctx context.Context, name string) error {
	if err := s.obj.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete backup %s: %w", name, err)
	}
	return nil
}

// Close drops the NATS connection and stops the embedded server when
// one was started.
func (s *NATSStore) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
	if s.srv != nil {
		s.srv.Shutdown()
		s.srv.WaitForShutdown()
	}
}
