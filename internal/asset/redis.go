package asset

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/quillsec/quill/internal/models"
)

// RedisProvider searches a RediSearch vector index over the KNN query
// dialect.
type RedisProvider struct {
	asset *models.Asset
}

func NewRedisProvider(asset *models.Asset) *RedisProvider {
	return &RedisProvider{asset: asset}
}

func (p *RedisProvider) client() *redis.Client {
	db := 0
	if p.asset.DatabaseName != "" {
		if n, err := strconv.Atoi(p.asset.DatabaseName); err == nil {
			db = n
		}
	}
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", p.asset.Host, p.asset.Port),
		Username: p.asset.Username,
		Password: p.asset.Password,
		DB:       db,
	})
}

// vectorBlob encodes the query vector as little-endian float32 bytes, the
// binary parameter format RediSearch expects.
func vectorBlob(vector []float64) []byte {
	blob := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(float32(v)))
	}
	return blob
}

func (p *RedisProvider) Search(ctx context.Context, query Query, maxResults int) ([]SearchResult, error) {
	if len(query.Vector) == 0 {
		return nil, &CapabilityError{Kind: p.asset.Kind, Operation: "text search"}
	}

	client := p.client()
	defer client.Close()

	knn := fmt.Sprintf("*=>[KNN %d @%s $vec_param AS vec_score]", maxResults, p.asset.EmbeddingField)
	args := []interface{}{
		"FT.SEARCH", p.asset.IndexName, knn,
		"RETURN", "2", p.asset.TextField, "vec_score",
		"SORTBY", "vec_score",
		"LIMIT", "0", strconv.Itoa(maxResults),
		"PARAMS", "2", "vec_param", vectorBlob(query.Vector),
		"DIALECT", "2",
	}

	reply, err := client.Do(ctx, args...).Result()
	if err != nil {
		if isRedisAuthError(err) {
			return nil, &CredentialError{Detail: err.Error()}
		}
		return nil, &TransportError{Err: err}
	}

	return p.parseSearchReply(reply)
}

// parseSearchReply walks the RESP2 FT.SEARCH shape: a count followed by
// alternating document ids and field/value lists.
func (p *RedisProvider) parseSearchReply(reply interface{}) ([]SearchResult, error) {
	rows, ok := reply.([]interface{})
	if !ok || len(rows) == 0 {
		return nil, &TransportError{Err: fmt.Errorf("unexpected search reply %T", reply)}
	}

	var results []SearchResult
	for i := 1; i+1 < len(rows); i += 2 {
		docID := asString(rows[i])
		fields, ok := rows[i+1].([]interface{})
		if !ok {
			continue
		}
		for j := 0; j+1 < len(fields); j += 2 {
			if asString(fields[j]) == p.asset.TextField {
				results = append(results, SearchResult{
					Data:     asString(fields[j+1]),
					SourceID: docID,
				})
				break
			}
		}
	}
	return results, nil
}

func (p *RedisProvider) Generate(_ context.Context, _ string) (string, error) {
	return "", &CapabilityError{Kind: p.asset.Kind, Operation: "generate"}
}

// Ping verifies connectivity, the index, and that the configured text and
// embedding fields exist as index attributes.
func (p *RedisProvider) Ping(ctx context.Context) PingResult {
	client := p.client()
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		if isRedisAuthError(err) {
			return PingResult{Error: "authentication failed: " + err.Error()}
		}
		return PingResult{Error: err.Error()}
	}

	reply, err := client.Do(ctx, "FT.INFO", p.asset.IndexName).Result()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown index") {
			return PingResult{Error: fmt.Sprintf("index %q does not exist", p.asset.IndexName)}
		}
		return PingResult{Error: err.Error()}
	}

	attributes := indexAttributeNames(reply)
	if !attributes[p.asset.TextField] {
		return PingResult{Error: fmt.Sprintf("index %q does not have a %q field", p.asset.IndexName, p.asset.TextField)}
	}
	if !attributes[p.asset.EmbeddingField] {
		return PingResult{Error: fmt.Sprintf("index %q does not have a %q field", p.asset.IndexName, p.asset.EmbeddingField)}
	}

	return PingResult{OK: true}
}

// indexAttributeNames pulls identifier and attribute names out of an FT.INFO
// reply.
func indexAttributeNames(reply interface{}) map[string]bool {
	names := make(map[string]bool)
	info, ok := reply.([]interface{})
	if !ok {
		return names
	}
	for i := 0; i+1 < len(info); i += 2 {
		if asString(info[i]) != "attributes" {
			continue
		}
		attrs, ok := info[i+1].([]interface{})
		if !ok {
			continue
		}
		for _, attr := range attrs {
			fields, ok := attr.([]interface{})
			if !ok {
				continue
			}
			for j := 0; j+1 < len(fields); j++ {
				key := asString(fields[j])
				if key == "identifier" || key == "attribute" {
					names[asString(fields[j+1])] = true
				}
			}
		}
	}
	return names
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}

func isRedisAuthError(err error) bool {
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "NOAUTH") || strings.Contains(msg, "WRONGPASS") || strings.Contains(msg, "NOPERM")
}
