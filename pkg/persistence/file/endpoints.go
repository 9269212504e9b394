package file

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/persistence"
	"github.com/google/uuid"
)

const (
	endpointsCollection = "endpoints"
	receiptsCollection  = "receipts"
)

// EndpointRepository handles webhook endpoint file operations.
type EndpointRepository struct {
	p *Persistence
}

func (r *EndpointRepository) Endpoints(_ context.Context) ([]*models.WebhookEndpoint, error) {
	endpoints, err := readAll[models.WebhookEndpoint](r.p, endpointsCollection)
	if err != nil {
		return nil, err
	}

	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].CreatedAt.Before(endpoints[j].CreatedAt)
	})

	return endpoints, nil
}

func (r *EndpointRepository) EndpointByID(_ context.Context, id string) (*models.WebhookEndpoint, error) {
	endpoint := new(models.WebhookEndpoint)

	found, err := r.p.read(endpointsCollection, id, endpoint)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, fmt.Errorf("%w: %s", persistence.ErrEndpointNotFound, id)
	}

	return endpoint, nil
}

func (r *EndpointRepository) EndpointBySlug(ctx context.Context, slug string) (*models.WebhookEndpoint, error) {
	endpoints, err := r.Endpoints(ctx)
	if err != nil {
		return nil, err
	}

	for _, endpoint := range endpoints {
		if endpoint.Slug == slug {
			return endpoint, nil
		}
	}

	return nil, fmt.Errorf("%w: slug %s", persistence.ErrEndpointNotFound, slug)
}

func (r *EndpointRepository) SaveEndpoint(ctx context.Context, endpoint *models.WebhookEndpoint) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	existing, err := readAll[models.WebhookEndpoint](r.p, endpointsCollection)
	if err != nil {
		return err
	}

	for _, other := range existing {
		if other.Slug == endpoint.Slug && other.ID != endpoint.ID {
			return fmt.Errorf("%w: %s", persistence.ErrSlugTaken, endpoint.Slug)
		}
	}

	now := time.Now().UTC()

	if endpoint.CreatedAt.IsZero() {
		endpoint.CreatedAt = now
	}

	endpoint.UpdatedAt = now

	if endpoint.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate endpoint ID: %w", err)
		}

		endpoint.ID = id.String()
	}

	return r.p.write(endpointsCollection, endpoint.ID, endpoint)
}

func (r *EndpointRepository) DeleteEndpoint(_ context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.p.remove(endpointsCollection, id)
}

// ReceiptRepository handles webhook receipt file operations.
type ReceiptRepository struct {
	p *Persistence
}

func (r *ReceiptRepository) CreateReceipt(_ context.Context, receipt *models.WebhookReceipt) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.p.write(receiptsCollection, receipt.ID, receipt)
}

func (r *ReceiptRepository) UpdateReceipt(_ context.Context, receipt *models.WebhookReceipt) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.p.write(receiptsCollection, receipt.ID, receipt)
}

func (r *ReceiptRepository) ListReceipts(_ context.Context, filter persistence.ReceiptFilter) ([]*models.WebhookReceipt, int, error) {
	receipts, err := readAll[models.WebhookReceipt](r.p, receiptsCollection)
	if err != nil {
		return nil, 0, err
	}

	matched := make([]*models.WebhookReceipt, 0, len(receipts))

	for _, receipt := range receipts {
		if filter.EndpointID != "" && receipt.EndpointID != filter.EndpointID {
			continue
		}

		if filter.Status != "" && receipt.Status != filter.Status {
			continue
		}

		if filter.Since != nil && receipt.ReceivedAt.Before(*filter.Since) {
			continue
		}

		matched = append(matched, receipt)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
	})

	total := len(matched)

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset := filter.Offset
	if offset > total {
		offset = total
	}

	end := offset + limit
	if end > total {
		end = total
	}

	return matched[offset:end], total, nil
}
