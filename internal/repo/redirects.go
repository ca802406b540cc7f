package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/abdusco/peeklink/internal"
)

const RecentRedirectsRecord = "recentRedirects"

// RedirectsRepo keeps the recent redirects list as a JSON array in a single record.
type RedirectsRepo struct {
	records *RecordsRepo
	name    string
}

func NewRedirectsRepo(records *RecordsRepo) *RedirectsRepo {
	return &RedirectsRepo{records: records, name: RecentRedirectsRecord}
}

// Load returns nil without error when nothing has been saved yet.
func (r *RedirectsRepo) Load(ctx context.Context) ([]internal.RedirectLink, error) {
	data, err := r.records.Get(ctx, r.name)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var links []internal.RedirectLink
	if err := json.Unmarshal(data, &links); err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.name, err)
	}
	return links, nil
}

func (r *RedirectsRepo) Save(ctx context.Context, links []internal.RedirectLink) error {
	if links == nil {
		links = []internal.RedirectLink{}
	}
	data, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.name, err)
	}
	return r.records.Put(ctx, r.name, data)
}
