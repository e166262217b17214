// Package lifecycle owns a resource's version set, its live pointer and its
// visibility.
package lifecycle

import (
	"errors"
	"time"
)

type Visibility string

const (
	VisibilityPrivate  Visibility = "private"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPublic   Visibility = "public"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityUnlisted, VisibilityPublic:
		return true
	}
	return false
}

// DownloadPolicy controls who may fetch a resource's source.
type DownloadPolicy string

const (
	DownloadOwner    DownloadPolicy = "owner"
	DownloadGrantees DownloadPolicy = "grantees"
	DownloadPublic   DownloadPolicy = "public"
)

func (p DownloadPolicy) Valid() bool {
	switch p {
	case DownloadOwner, DownloadGrantees, DownloadPublic:
		return true
	}
	return false
}

// Resource is a published unit of tool functionality.
type Resource struct {
	ID          string
	Slug        string
	OwnerID     string
	Name        string
	Description string
	Visibility  Visibility
	// Versions in publish order. LiveVersion is always one of them.
	Versions        []string
	LiveVersion     string
	Exports         []string
	RequiredSecrets []string
	OptionalSecrets []string
	DownloadPolicy  DownloadPolicy
	RateLimit       *RateLimit
	Pricing         *Pricing
	ExternalService *ExternalService
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasVersion reports whether v is in the version set.
func (r *Resource) HasVersion(v string) bool {
	for _, have := range r.Versions {
		if have == v {
			return true
		}
	}
	return false
}

// Version is one published build of a resource.
type Version struct {
	ResourceID      string
	Version         string
	BundleHash      string
	Exports         []string
	RequiredSecrets []string
	OptionalSecrets []string
	CreatedAt       time.Time
}

// RateLimit is the per-consumer limit an owner sets on their resource.
type RateLimit struct {
	CallsPerMinute int `json:"calls_per_minute,omitempty"`
	CallsPerDay    int `json:"calls_per_day,omitempty"`
}

// Pricing is the per-call price an owner charges consumers.
type Pricing struct {
	PriceCents     int            `json:"price_cents"`
	FreeCalls      int            `json:"free_calls,omitempty"`
	FunctionPrices map[string]int `json:"function_prices,omitempty"`
}

// ExternalService binds a resource to an HTTP endpoint.
type ExternalService struct {
	URL        string `json:"url"`
	AuthSecret string `json:"auth_secret,omitempty"`
}

var (
	// ErrVersionExists is returned by Store.AppendVersion for a duplicate.
	ErrVersionExists = errors.New("version already exists")
	// ErrSlugTaken is returned by Store.Create when the owner already has the slug.
	ErrSlugTaken = errors.New("slug already in use")
)
