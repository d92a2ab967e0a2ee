package model

import "encoding/json"

// Category is one of the six STRIDE slots.
type Category string

const (
	Spoofing              Category = "spoofing"
	Tampering             Category = "tampering"
	Repudiation           Category = "repudiation"
	InformationDisclosure Category = "information_disclosure"
	DenialOfService       Category = "denial_of_service"
	ElevationOfPrivilege  Category = "elevation_of_privilege"
)

// Categories lists the STRIDE categories in canonical order.
func Categories() []Category {
	return []Category{Spoofing, Tampering, Repudiation, InformationDisclosure, DenialOfService, ElevationOfPrivilege}
}

// ValidCategory reports whether c names one of the six slots.
func ValidCategory(c Category) bool {
	for _, k := range Categories() {
		if k == c {
			return true
		}
	}
	return false
}

// Bucket holds the messages filed under each STRIDE category for one key.
// All six slots always serialize, as arrays.
type Bucket struct {
	Spoofing              []string `json:"spoofing"`
	Tampering             []string `json:"tampering"`
	Repudiation           []string `json:"repudiation"`
	InformationDisclosure []string `json:"information_disclosure"`
	DenialOfService       []string `json:"denial_of_service"`
	ElevationOfPrivilege  []string `json:"elevation_of_privilege"`
}

func NewBucket() *Bucket {
	return &Bucket{
		Spoofing:              []string{},
		Tampering:             []string{},
		Repudiation:           []string{},
		InformationDisclosure: []string{},
		DenialOfService:       []string{},
		ElevationOfPrivilege:  []string{},
	}
}

func (b *Bucket) slot(c Category) *[]string {
	switch c {
	case Spoofing:
		return &b.Spoofing
	case Tampering:
		return &b.Tampering
	case Repudiation:
		return &b.Repudiation
	case InformationDisclosure:
		return &b.InformationDisclosure
	case DenialOfService:
		return &b.DenialOfService
	case ElevationOfPrivilege:
		return &b.ElevationOfPrivilege
	}
	return nil
}

// Get returns the messages for c. Unknown categories yield nil.
func (b *Bucket) Get(c Category) []string {
	if b == nil {
		return nil
	}
	if s := b.slot(c); s != nil {
		return *s
	}
	return nil
}

// Add appends messages to c. Unknown categories are ignored.
func (b *Bucket) Add(c Category, msgs ...string) {
	if s := b.slot(c); s != nil {
		*s = append(*s, msgs...)
	}
}

// Merge appends every message of other into b.
func (b *Bucket) Merge(other *Bucket) {
	if other == nil {
		return
	}
	for _, c := range Categories() {
		b.Add(c, other.Get(c)...)
	}
}

// Active returns the categories holding at least one message.
func (b *Bucket) Active() []Category {
	var out []Category
	for _, c := range Categories() {
		if len(b.Get(c)) > 0 {
			out = append(out, c)
		}
	}
	return out
}

func (b Bucket) MarshalJSON() ([]byte, error) {
	type plain Bucket
	p := plain(b)
	for _, s := range []*[]string{&p.Spoofing, &p.Tampering, &p.Repudiation, &p.InformationDisclosure, &p.DenialOfService, &p.ElevationOfPrivilege} {
		if *s == nil {
			*s = []string{}
		}
	}
	return json.Marshal(p)
}

// Threats is the threats artifact.
type Threats struct {
	ByFunction map[string]*Bucket `json:"by_function"`
	ByJourney  map[string]*Bucket `json:"by_journey"`
}

// For returns the bucket stored under key, or nil.
func (t *Threats) For(key string) *Bucket {
	if t == nil || t.ByFunction == nil {
		return nil
	}
	return t.ByFunction[key]
}
