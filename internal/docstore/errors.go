package docstore

import (
	"context"
	"errors"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
)

// classify maps go-redis failures to dberr kinds. redis.Nil never reaches
// here: callers turn it into dberr.ErrNotFound.
func classify(err error) dberr.Kind {
	if k, ok := dberr.KindOf(err); ok {
		return k
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dberr.KindTimeout
	case errors.Is(err, goredis.ErrClosed):
		return dberr.KindConnection
	case errors.Is(err, goredis.TxFailedErr):
		return dberr.KindDatabase
	case goredis.HasErrorPrefix(err, "NOAUTH"), goredis.HasErrorPrefix(err, "WRONGPASS"),
		goredis.HasErrorPrefix(err, "NOPERM"):
		return dberr.KindAuthentication
	case goredis.HasErrorPrefix(err, "LOADING"), goredis.HasErrorPrefix(err, "MASTERDOWN"):
		return dberr.KindConnection
	}
	return dberr.Classify(err)
}
