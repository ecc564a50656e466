/**
 * Qdrant description index for the PCF Worker
 *
 * Stores one point per line item, keyed by a description vector, so similar
 * product descriptions can be looked up across scanned forms. Every call goes
 * through a circuit breaker so an unavailable Qdrant cannot stall job
 * processing.
 */

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"github.com/sony/gobreaker/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DescriptionVectorSize is the dimension of description vectors
const DescriptionVectorSize = 256

// ErrIndexUnavailable is returned while the breaker is open
var ErrIndexUnavailable = errors.New("description index unavailable")

// QdrantClient handles vector database operations
type QdrantClient struct {
	client           qdrant.PointsClient
	collectionClient qdrant.CollectionsClient
	conn             *grpc.ClientConn
	collectionName   string
	breaker          *gobreaker.CircuitBreaker[any]
}

// VectorPoint represents a vector with metadata
type VectorPoint struct {
	ID       string
	Vector   []float32
	Metadata map[string]interface{}
	Score    float32
}

// BreakerStateFunc is notified when the breaker changes state
type BreakerStateFunc func(name string, from, to gobreaker.State)

// NewQdrantClient creates a new Qdrant client
func NewQdrantClient(address string, collectionName string, onStateChange BreakerStateFunc) (*QdrantClient, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}

	if collectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	qc := &QdrantClient{
		client:           qdrant.NewPointsClient(conn),
		collectionClient: qdrant.NewCollectionsClient(conn),
		conn:             conn,
		collectionName:   collectionName,
		breaker:          newBreaker("qdrant:"+collectionName, onStateChange),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := qc.ensureCollection(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	return qc, nil
}

// newBreaker trips after 5 consecutive failures and probes again after 30s
func newBreaker(name string, onStateChange BreakerStateFunc) *gobreaker.CircuitBreaker[any] {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	if onStateChange != nil {
		settings.OnStateChange = onStateChange
	}
	return gobreaker.NewCircuitBreaker[any](settings)
}

// guard runs fn through the breaker and maps open-state rejections to ErrIndexUnavailable
func guard(cb *gobreaker.CircuitBreaker[any], fn func() (any, error)) (any, error) {
	out, err := cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return out, err
}

// ensureCollection creates the collection if it doesn't exist
func (q *QdrantClient) ensureCollection(ctx context.Context) error {
	listResp, err := q.collectionClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, col := range listResp.Collections {
		if col.Name == q.collectionName {
			return nil
		}
	}

	_, err = q.collectionClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: q.collectionName,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     DescriptionVectorSize,
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// UpsertVectors stores or updates a batch of points in one request
func (q *QdrantClient) UpsertVectors(ctx context.Context, points []*VectorPoint) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, point := range points {
		ps, err := toPointStruct(point)
		if err != nil {
			return err
		}
		structs = append(structs, ps)
	}

	_, err := guard(q.breaker, func() (any, error) {
		return q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collectionName,
			Points:         structs,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d vectors: %w", len(structs), err)
	}

	return nil
}

// SearchVectors performs similarity search
func (q *QdrantClient) SearchVectors(ctx context.Context, queryVector []float32, limit int) ([]*VectorPoint, error) {
	if len(queryVector) != DescriptionVectorSize {
		return nil, fmt.Errorf("invalid query vector dimensions: expected %d, got %d", DescriptionVectorSize, len(queryVector))
	}

	if limit <= 0 {
		limit = 10
	}

	out, err := guard(q.breaker, func() (any, error) {
		return q.client.Search(ctx, &qdrant.SearchPoints{
			CollectionName: q.collectionName,
			Vector:         queryVector,
			Limit:          uint64(limit),
			WithPayload: &qdrant.WithPayloadSelector{
				SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	results := out.(*qdrant.SearchResponse)
	points := make([]*VectorPoint, 0, len(results.Result))
	for _, result := range results.Result {
		point := &VectorPoint{
			Metadata: fromPayload(result.Payload),
			Score:    result.Score,
		}
		if result.Id != nil {
			point.ID = result.Id.GetUuid()
		}
		points = append(points, point)
	}

	return points, nil
}

// DeleteDocument removes every point that belongs to a document
func (q *QdrantClient) DeleteDocument(ctx context.Context, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("document ID is required")
	}

	if err := q.deleteMatching(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{keywordCondition("documentId", documentID)},
	}); err != nil {
		return fmt.Errorf("failed to delete vectors for document %s: %w", documentID, err)
	}
	return nil
}

// DeleteItems removes the points of the given line item positions of one document
func (q *QdrantClient) DeleteItems(ctx context.Context, documentID string, positions []int) error {
	if documentID == "" {
		return fmt.Errorf("document ID is required")
	}
	if len(positions) == 0 {
		return nil
	}

	if err := q.deleteMatching(ctx, itemsFilter(documentID, positions)); err != nil {
		return fmt.Errorf("failed to delete %d item vectors for document %s: %w", len(positions), documentID, err)
	}
	return nil
}

func (q *QdrantClient) deleteMatching(ctx context.Context, filter *qdrant.Filter) error {
	_, err := guard(q.breaker, func() (any, error) {
		return q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: q.collectionName,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
			},
		})
	})
	return err
}

// itemsFilter matches documentId and any one of the positions
func itemsFilter(documentID string, positions []int) *qdrant.Filter {
	should := make([]*qdrant.Condition, 0, len(positions))
	for _, pos := range positions {
		should = append(should, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: "position",
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Integer{Integer: int64(pos)},
					},
				},
			},
		})
	}

	return &qdrant.Filter{
		Must:   []*qdrant.Condition{keywordCondition("documentId", documentID)},
		Should: should,
	}
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

// GetCollectionInfo returns collection statistics
func (q *QdrantClient) GetCollectionInfo(ctx context.Context) (map[string]interface{}, error) {
	out, err := guard(q.breaker, func() (any, error) {
		return q.collectionClient.Get(ctx, &qdrant.GetCollectionInfoRequest{
			CollectionName: q.collectionName,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", err)
	}

	info := out.(*qdrant.GetCollectionInfoResponse)
	return map[string]interface{}{
		"collection_name": q.collectionName,
		"points_count":    info.Result.GetPointsCount(),
		"status":          info.Result.GetStatus().String(),
		"breaker":         q.breaker.State().String(),
	}, nil
}

// Close closes the Qdrant client connection
func (q *QdrantClient) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func toPointStruct(point *VectorPoint) (*qdrant.PointStruct, error) {
	if point == nil {
		return nil, fmt.Errorf("point is required")
	}
	if len(point.Vector) != DescriptionVectorSize {
		return nil, fmt.Errorf("invalid vector dimensions: expected %d, got %d", DescriptionVectorSize, len(point.Vector))
	}
	if point.ID == "" {
		point.ID = uuid.New().String()
	}

	return &qdrant.PointStruct{
		Id: &qdrant.PointId{
			PointIdOptions: &qdrant.PointId_Uuid{Uuid: point.ID},
		},
		Vectors: &qdrant.Vectors{
			VectorsOptions: &qdrant.Vectors_Vector{
				Vector: &qdrant.Vector{Data: point.Vector},
			},
		},
		Payload: toPayload(point.Metadata),
	}, nil
}

func toPayload(metadata map[string]interface{}) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(metadata))
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
		case int:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
		case float64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
		case bool:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
		default:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
		}
	}
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	metadata := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			metadata[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			metadata[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			metadata[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			metadata[k] = val.BoolValue
		}
	}
	return metadata
}
