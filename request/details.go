package request

import (
	"fmt"
	"regexp"
	"strings"
)

// Details is the closed set of kind-specific payloads: BloodDetails,
// ElderSupportDetails and ComplaintDetails. Consumers switch on the concrete type.
type Details interface {
	Kind() Kind
	priority() Priority
	validate() error
}

type BloodType string

const (
	BloodAPos  BloodType = "A+"
	BloodANeg  BloodType = "A-"
	BloodBPos  BloodType = "B+"
	BloodBNeg  BloodType = "B-"
	BloodABPos BloodType = "AB+"
	BloodABNeg BloodType = "AB-"
	BloodOPos  BloodType = "O+"
	BloodONeg  BloodType = "O-"
)

func (b BloodType) Valid() bool {
	switch b {
	case BloodAPos, BloodANeg, BloodBPos, BloodBNeg, BloodABPos, BloodABNeg, BloodOPos, BloodONeg:
		return true
	}
	return false
}

var rhSuffixes = []struct {
	suffix string
	sign   string
}{
	{"POSITIVE", "+"},
	{"NEGATIVE", "-"},
	{"+VE", "+"},
	{"-VE", "-"},
	{"POS", "+"},
	{"NEG", "-"},
	{"+", "+"},
	{"-", "-"},
}

// ParseBloodType accepts "O+", "o pos", "AB negative" and similar spellings.
func ParseBloodType(s string) (BloodType, bool) {
	compact := strings.ToUpper(strings.Join(strings.Fields(s), ""))
	for _, rh := range rhSuffixes {
		if group, ok := strings.CutSuffix(compact, rh.suffix); ok {
			bt := BloodType(group + rh.sign)
			return bt, bt.Valid()
		}
	}
	return "", false
}

const rhSign = `(\+\s*ve|-\s*ve|\+|-|positive|negative|pos|neg)`

// Each pattern captures the ABO group in 1 and the Rh sign in 2. A spelled
// out group only counts next to blood vocabulary: "a positive outlook" and
// "Plan B - ..." are not blood groups.
var bloodTypePatterns = []*regexp.Regexp{
	// O+, AB-, B+ve. Upper case only; no space before the sign.
	regexp.MustCompile(`\b(AB|A|B|O)([+-])(?:ve)?(?:$|[^\w+-])`),
	// o positive blood, b- donors, AB negative group
	regexp.MustCompile(`(?i)\b(AB|A|B|O)\s*` + rhSign + `\s*(?:blood|donors?|group|type)\b`),
	// blood group: A positive, donor type is o neg
	regexp.MustCompile(`(?i)\b(?:blood|group|type|donors?)(?:[\s:]+(?:group|type|is|of))*[\s:]+(AB|A|B|O)\s*` + rhSign + `(?:$|[^\w])`),
}

// ExtractBloodType finds the first blood group mentioned in free text.
func ExtractBloodType(text string) (BloodType, bool) {
	found, at := BloodType(""), -1
	for _, re := range bloodTypePatterns {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			bt, ok := ParseBloodType(text[m[2]:m[3]] + text[m[4]:m[5]])
			if !ok {
				continue
			}
			if at < 0 || m[2] < at {
				found, at = bt, m[2]
			}
			break
		}
	}
	return found, at >= 0
}

type ComplaintCategory string

const (
	CategoryInfrastructure ComplaintCategory = "infrastructure"
	CategoryWaterSupply    ComplaintCategory = "water_supply"
	CategoryElectricity    ComplaintCategory = "electricity"
	CategorySanitation     ComplaintCategory = "sanitation"
	CategoryRoads          ComplaintCategory = "roads"
	CategoryPublicSafety   ComplaintCategory = "public_safety"
	CategoryNoise          ComplaintCategory = "noise"
	CategoryOther          ComplaintCategory = "other"
)

func (c ComplaintCategory) Valid() bool {
	switch c {
	case CategoryInfrastructure, CategoryWaterSupply, CategoryElectricity, CategorySanitation,
		CategoryRoads, CategoryPublicSafety, CategoryNoise, CategoryOther:
		return true
	}
	return false
}

// ParseComplaintCategory maps unknown tags to CategoryOther.
func ParseComplaintCategory(s string) ComplaintCategory {
	c := ComplaintCategory(strings.ToLower(strings.TrimSpace(s)))
	if c.Valid() {
		return c
	}
	return CategoryOther
}

type BloodDetails struct {
	BloodType    BloodType
	UrgencyLevel Priority
	UnitsNeeded  int
	Hospital     string
}

func (BloodDetails) Kind() Kind { return KindBlood }
func (d BloodDetails) priority() Priority { return d.UrgencyLevel }

func (d BloodDetails) validate() error {
	if !d.BloodType.Valid() {
		return fmt.Errorf("%w: blood type %q is not one of the eight ABO/Rh groups", ErrValidation, d.BloodType)
	}
	if !d.UrgencyLevel.Valid() {
		return fmt.Errorf("%w: urgency level %q", ErrValidation, d.UrgencyLevel)
	}
	if d.UnitsNeeded < 0 {
		return fmt.Errorf("%w: units needed must not be negative", ErrValidation)
	}
	return nil
}

type ElderSupportDetails struct {
	ServiceType  string
	UrgencyLevel Priority
	Notes        string
}

func (ElderSupportDetails) Kind() Kind { return KindElderSupport }
func (d ElderSupportDetails) priority() Priority { return d.UrgencyLevel }

func (d ElderSupportDetails) validate() error {
	if strings.TrimSpace(d.ServiceType) == "" {
		return fmt.Errorf("%w: service type required", ErrValidation)
	}
	if !d.UrgencyLevel.Valid() {
		return fmt.Errorf("%w: urgency level %q", ErrValidation, d.UrgencyLevel)
	}
	return nil
}

type ComplaintDetails struct {
	Title    string
	Category ComplaintCategory
	Priority Priority
}

func (ComplaintDetails) Kind() Kind { return KindComplaint }
func (d ComplaintDetails) priority() Priority { return d.Priority }

func (d ComplaintDetails) validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("%w: complaint title required", ErrValidation)
	}
	if !d.Category.Valid() {
		return fmt.Errorf("%w: complaint category %q", ErrValidation, d.Category)
	}
	if !d.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrValidation, d.Priority)
	}
	return nil
}

// WithPriority returns a copy of d carrying p.
func WithPriority(d Details, p Priority) Details {
	switch v := d.(type) {
	case BloodDetails:
		v.UrgencyLevel = p
		return v
	case ElderSupportDetails:
		v.UrgencyLevel = p
		return v
	case ComplaintDetails:
		v.Priority = p
		return v
	}
	return d
}
