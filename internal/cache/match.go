package cache

import (
	"context"
	"errors"
)

// Match 依次在给定命名空间中查找 key，首个命中即返回，同时返回命中的命名空间。
// 未指定命名空间时按创建顺序搜索全部命名空间（precache 与 runtime 合并视图）。
func Match(ctx context.Context, storage Storage, key Key, namespaces ...string) (*Response, string, error) {
	if storage == nil {
		return nil, "", ErrNotFound
	}
	if len(namespaces) == 0 {
		names, err := storage.Namespaces(ctx)
		if err != nil {
			return nil, "", err
		}
		namespaces = names
	}

	var firstErr error
	for _, ns := range namespaces {
		resp, err := storage.Get(ctx, ns, key)
		switch {
		case err == nil:
			return resp, ns, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return nil, "", firstErr
	}
	return nil, "", ErrNotFound
}
