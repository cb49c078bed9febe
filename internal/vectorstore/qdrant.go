package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// QdrantConfig configures the external Qdrant vector store.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (6334, not the 6333 HTTP port).
	Port int

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// APIKey is the optional API key for authentication.
	APIKey string

	// RequestTimeout bounds individual requests.
	RequestTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c *QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// QdrantStore implements Store against an external Qdrant instance over gRPC.
//
// All writes are issued with wait=true so Qdrant acknowledges durability
// before UpsertVectors returns; the coordinators' commit ordering depends
// on that.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

// NewQdrantStore connects to Qdrant and verifies the connection.
func NewQdrantStore(config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	qcfg := &qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
	}
	if !config.UseTLS {
		qcfg.GrpcOptions = append(qcfg.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := &QdrantStore{client: client, config: config, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), config.RequestTimeout)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	logger.Info("qdrant connection established",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
	)
	return s, nil
}

func (s *QdrantStore) UpsertVectors(ctx context.Context, recs []VectorRecord) error {
	if err := validateBatch(recs); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	name := CollectionName(recs[0].Library, recs[0].Model)
	if err := s.ensureCollection(ctx, name, uint64(len(recs[0].Vector))); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(recs))
	for i, r := range recs {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(r.ChunkID),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"file_id":    r.FileID,
				"seq":        int64(r.Seq),
				"model":      r.Model,
				"text":       r.Text,
				"created_at": r.CreatedAt.UTC().Format(time.RFC3339Nano),
			}),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upserting points into %s: %w", name, err)
	}

	s.logger.Debug("upserted vectors",
		zap.String("collection", name),
		zap.Int("count", len(recs)),
	)
	return nil
}

func (s *QdrantStore) HasVector(ctx context.Context, library, model, chunkID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	name := CollectionName(library, model)
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: name,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(chunkID)},
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("getting point: %w", err)
	}
	return len(points) > 0, nil
}

func (s *QdrantStore) DeleteVector(ctx context.Context, library, model, chunkID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: CollectionName(library, model),
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(chunkID)),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting vector: %w", err)
	}
	return nil
}

func (s *QdrantStore) DeleteVectorsForFile(ctx context.Context, library, fileID string) error {
	names, err := s.libraryCollections(ctx, library)
	if err != nil {
		return err
	}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
				Must: []*qdrant.Condition{qdrant.NewMatch("file_id", fileID)},
			}),
			Wait: qdrant.PtrOf(true),
		})
		cancel()
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("deleting file vectors from %s: %w", name, err)
		}
	}
	return nil
}

func (s *QdrantStore) DeleteLibrary(ctx context.Context, library string) error {
	names, err := s.libraryCollections(ctx, library)
	if err != nil {
		return err
	}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		err := s.client.DeleteCollection(ctx, name)
		cancel()
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("deleting collection %s: %w", name, err)
		}
	}
	return nil
}

func (s *QdrantStore) CountVectors(ctx context.Context, library string) (int, error) {
	names, err := s.libraryCollections(ctx, library)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, name := range names {
		ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		n, err := s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: name,
			Exact:          qdrant.PtrOf(true),
		})
		cancel()
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return 0, fmt.Errorf("counting points in %s: %w", name, err)
		}
		total += int(n)
	}
	return total, nil
}

func (s *QdrantStore) Search(ctx context.Context, library, model string, vector []float32, k int) ([]SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: CollectionName(library, model),
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	results := make([]SearchResult, len(hits))
	for i, h := range hits {
		payload := h.GetPayload()
		results[i] = SearchResult{
			ChunkID: h.GetId().GetUuid(),
			FileID:  payload["file_id"].GetStringValue(),
			Seq:     int(payload["seq"].GetIntegerValue()),
			Score:   h.GetScore(),
			Text:    payload["text"].GetStringValue(),
		}
	}
	return results, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func (s *QdrantStore) ensureCollection(ctx context.Context, name string, vectorSize uint64) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", name, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	return nil
}

func (s *QdrantStore) libraryCollections(ctx context.Context, library string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	all, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	prefix := libraryPrefix(library)
	var names []string
	for _, name := range all {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.NotFound
}

func isAlreadyExists(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.AlreadyExists
}

var _ Store = (*QdrantStore)(nil)
