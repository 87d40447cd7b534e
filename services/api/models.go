package api

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type releaseModel struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Tag         string            `gorm:"type:text;uniqueIndex;not null"`
	Name        string            `gorm:"type:text;not null"`
	ApkName     string            `gorm:"type:text;not null"`
	ApkURL      string            `gorm:"type:text;not null"`
	ApkHash     *string           `gorm:"type:text;index"`
	ApkSize     *int64            `gorm:"type:bigint"`
	Status      string            `gorm:"type:text;not null;default:'pending';index"`
	Error       *string           `gorm:"type:text"`
	Source      string            `gorm:"type:text;not null"`
	Meta        datatypes.JSONMap `gorm:"type:jsonb"`
	PublishedAt time.Time         `gorm:"type:timestamptz"`
	DetectedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	CompletedAt *time.Time        `gorm:"type:timestamptz"`
	UpdatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (releaseModel) TableName() string { return "releases" }

func (m releaseModel) toAPI() Release {
	return Release{
		ID:          m.ID,
		Tag:         m.Tag,
		Name:        m.Name,
		ApkName:     m.ApkName,
		ApkURL:      m.ApkURL,
		ApkHash:     m.ApkHash,
		ApkSize:     m.ApkSize,
		Status:      m.Status,
		Error:       m.Error,
		Source:      m.Source,
		Meta:        mapFromJSONMap(m.Meta),
		PublishedAt: m.PublishedAt,
		DetectedAt:  m.DetectedAt,
		CompletedAt: m.CompletedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func modelFromRelease(r Release) releaseModel {
	return releaseModel{
		ID:          r.ID,
		Tag:         r.Tag,
		Name:        r.Name,
		ApkName:     r.ApkName,
		ApkURL:      r.ApkURL,
		ApkHash:     r.ApkHash,
		ApkSize:     r.ApkSize,
		Status:      r.Status,
		Error:       r.Error,
		Source:      r.Source,
		Meta:        toJSONMap(r.Meta),
		PublishedAt: r.PublishedAt,
		DetectedAt:  r.DetectedAt,
		CompletedAt: r.CompletedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func mapFromJSONMap(src datatypes.JSONMap) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func toJSONMap(src map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range src {
		out[k] = v
	}
	return out
}
