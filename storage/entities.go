package storage

import (
	"encoding/json"

	"prism-sync/domain"
)

const (
	edmInt64       = "Edm.Int64"
	boardPartition = "board"
)

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type boardEntity struct {
	entityKeys
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

type boardTouch struct {
	entityKeys
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

type taskEntity struct {
	entityKeys
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	Status        string `json:"Status"`
	Version       int    `json:"Version"`
	CreatedBy     string `json:"CreatedBy"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

func newBoardEntity(id string, now int64) boardEntity {
	return boardEntity{
		entityKeys:    entityKeys{PartitionKey: boardPartition, RowKey: id},
		CreatedAt:     now,
		CreatedAtType: edmInt64,
		UpdatedAt:     now,
		UpdatedAtType: edmInt64,
	}
}

func newTaskEntity(t domain.Task) taskEntity {
	return taskEntity{
		entityKeys:    entityKeys{PartitionKey: t.BoardID, RowKey: t.ID},
		Title:         t.Title,
		Description:   t.Description,
		Status:        string(t.Status),
		Version:       t.Version,
		CreatedBy:     t.CreatedBy,
		CreatedAt:     t.CreatedAt,
		CreatedAtType: edmInt64,
		UpdatedAt:     t.UpdatedAt,
		UpdatedAtType: edmInt64,
	}
}

func decodeBoardEntity(data []byte) (domain.Board, error) {
	var ent boardEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Board{}, err
	}
	return domain.Board{ID: ent.RowKey, CreatedAt: ent.CreatedAt, UpdatedAt: ent.UpdatedAt}, nil
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	return domain.Task{
		ID:          ent.RowKey,
		BoardID:     ent.PartitionKey,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      domain.Status(ent.Status),
		Version:     ent.Version,
		CreatedBy:   ent.CreatedBy,
		CreatedAt:   ent.CreatedAt,
		UpdatedAt:   ent.UpdatedAt,
	}, nil
}
