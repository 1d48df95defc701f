package api

import (
	"errors"

	"kanban-api/domain"
)

const maxBodySize = 64 * 1024 // 64 KiB

var errMissingField = errors.New("missing field")

// POST /boards request body
type createBoardRequest struct {
	Name *string `json:"name"`
}

func (r createBoardRequest) toDomain() (domain.CreateBoard, error) {
	if r.Name == nil {
		return domain.CreateBoard{}, errMissingField
	}
	return domain.CreateBoard{Name: *r.Name}, nil
}

// POST /cards request body
type createCardRequest struct {
	BoardID     *int64  `json:"boardId"`
	Description *string `json:"description"`
}

func (r createCardRequest) toDomain() (domain.CreateCard, error) {
	if r.BoardID == nil || r.Description == nil {
		return domain.CreateCard{}, errMissingField
	}
	return domain.CreateCard{BoardID: *r.BoardID, Description: *r.Description}, nil
}

// PATCH /cards/{id} request body
type updateCardRequest struct {
	Description *string        `json:"description"`
	Status      *domain.Status `json:"status"`
}

func (r updateCardRequest) toDomain() (domain.UpdateCard, error) {
	if r.Description == nil || r.Status == nil {
		return domain.UpdateCard{}, errMissingField
	}
	return domain.UpdateCard{Description: *r.Description, Status: *r.Status}, nil
}
