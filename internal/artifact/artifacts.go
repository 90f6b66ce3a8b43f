package artifact

import (
	"fmt"
	"regexp"
	"strings"
)

// Subject enumerates supported subjects.
type Subject string

const (
	SubjectPhysics     Subject = "Physics"
	SubjectChemistry   Subject = "Chemistry"
	SubjectMathematics Subject = "Mathematics"
)

// Difficulty enumerates supported difficulty levels.
type Difficulty string

const (
	DifficultyComfort  Difficulty = "comfort"
	DifficultyHustle   Difficulty = "hustle"
	DifficultyAdvanced Difficulty = "advanced"
)

// Request is the authoring request that starts a pipeline run.
type Request struct {
	Grade         string     `json:"grade" validate:"required,max=50"`
	Subject       Subject    `json:"subject" validate:"required,oneof=Physics Chemistry Mathematics"`
	Chapter       string     `json:"chapter" validate:"required,max=200"`
	Standard      string     `json:"standard" validate:"required,max=100"`
	Difficulty    Difficulty `json:"difficulty" validate:"required,oneof=comfort hustle advanced"`
	Attachments   []string   `json:"attachments,omitempty" validate:"dive,max=200"`
	CorrelationID string     `json:"correlationId,omitempty" validate:"omitempty,max=100"`
}

// ResourceID derives the deterministic lock resource for a request.
func (r Request) ResourceID() string {
	return Slugify(string(r.Subject)) + "-" + Slugify(r.Chapter)
}

// AssetTokenPattern matches plan asset tokens "type:name".
var AssetTokenPattern = regexp.MustCompile(`^(eq|plot|diagram|widget|chem):[a-z0-9_-]+$`)

// AssetNamePattern constrains asset identifiers. Names become file names
// under the output root, so no separators, dots, or other path syntax.
var AssetNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

// Beat is the smallest unit of a chapter plan: a single learning moment.
type Beat struct {
	ID               string   `json:"id" validate:"required"`
	Headline         string   `json:"headline" validate:"required"`
	LearningOutcomes []string `json:"learningOutcomes" validate:"required,min=1,dive,required"`
	Prereqs          []string `json:"prereqs"`
	AssetTokens      []string `json:"assetTokens" validate:"dive,required"`
}

// Plan is the M1 output: chapter metadata plus an ordered beat sequence
// whose prereq graph is a DAG referencing only preceding beats.
type Plan struct {
	Title      string     `json:"title" validate:"required"`
	Subject    Subject    `json:"subject" validate:"required,oneof=Physics Chemistry Mathematics"`
	Grade      string     `json:"grade" validate:"required"`
	Difficulty Difficulty `json:"difficulty" validate:"required,oneof=comfort hustle advanced"`
	Beats      []Beat     `json:"beats" validate:"required,min=1,dive"`
}

// Section is one ordered group of beats in a Scaffold.
type Section struct {
	ID              string   `json:"id" validate:"required"`
	Title           string   `json:"title" validate:"required"`
	BeatIDs         []string `json:"beatIds" validate:"required,min=1"`
	AssetMarkers    []string `json:"assetMarkers"`
	EntryTransition string   `json:"entryTransition"`
	ExitTransition  string   `json:"exitTransition"`
	ConceptSequence []string `json:"conceptSequence"`
}

// Scaffold is the M2 output: ordered sections with zero-padded sequential
// ids and {{type:name}} placement markers.
type Scaffold struct {
	ChapterTitle string    `json:"chapterTitle" validate:"required"`
	ChapterSlug  string    `json:"chapterSlug" validate:"required"`
	Sections     []Section `json:"sections" validate:"required,min=1,dive"`
}

// RunningState is the only mechanism sections use to communicate context:
// a bounded recap, terms introduced so far, asset hashes already used, and
// open narrative threads.
type RunningState struct {
	Recap       string   `json:"recap"`
	Terms       []string `json:"terms"`
	UsedAssets  []string `json:"usedAssets"`
	OpenThreads []string `json:"openThreads"`
}

// SectionContext adapts one Scaffold section plus the running state for M3.
type SectionContext struct {
	Section Section      `json:"section"`
	Index   int          `json:"index"`
	Total   int          `json:"total"`
	Plan    Plan         `json:"plan"`
	State   RunningState `json:"state"`
}

// BlockKind discriminates tagged content blocks.
type BlockKind string

const (
	BlockProse     BlockKind = "prose"
	BlockEquation  BlockKind = "equation"
	BlockPlot      BlockKind = "plot"
	BlockDiagram   BlockKind = "diagram"
	BlockChemistry BlockKind = "chemistry"
	BlockWidget    BlockKind = "widget"
)

// NumericCheck records the reproducible verification data for an equation.
type NumericCheck struct {
	Vars      map[string]float64 `json:"vars" validate:"required"`
	Expr      string             `json:"expr" validate:"required"`
	Expected  float64            `json:"expected"`
	Tolerance float64            `json:"tolerance" validate:"gt=0"`
}

// ContentBlock is the tagged variant carried by SectionDocs and ReaderDocs.
// Exactly the fields for its Kind are set; the rest stay zero.
type ContentBlock struct {
	ID   string    `json:"id,omitempty"`
	Kind BlockKind `json:"kind" validate:"required,oneof=prose equation plot diagram chemistry widget"`

	// prose
	Markdown  string `json:"markdown,omitempty"`
	WordCount int    `json:"wordCount,omitempty"`

	// equation
	TeX   string        `json:"tex,omitempty"`
	Check *NumericCheck `json:"check,omitempty"`

	// plot / diagram / widget: reference to a spec by name
	SpecRef string `json:"specRef,omitempty"`

	// chemistry
	SMILES  string `json:"smiles,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// GateRecord is one gate outcome inside a validation report.
type GateRecord struct {
	Gate     string   `json:"gate"`
	Passed   bool     `json:"passed"`
	Skipped  bool     `json:"skipped,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// RepairRecord is one repair attempt inside a validation report.
type RepairRecord struct {
	Kind    string `json:"kind"`
	Attempt int    `json:"attempt"`
	Success bool   `json:"success"`
	Patch   string `json:"patch,omitempty"`
}

// ValidationReport aggregates gate outcomes and the repair log for one
// artifact. No gate passes silently: every declared gate appears either as
// run or as skipped.
type ValidationReport struct {
	Gates    []GateRecord   `json:"gates"`
	Warnings []string       `json:"warnings,omitempty"`
	Repairs  []RepairRecord `json:"repairs,omitempty"`
}

// Valid reports whether every executed gate passed.
func (r ValidationReport) Valid() bool {
	for _, g := range r.Gates {
		if !g.Skipped && !g.Passed {
			return false
		}
	}
	return true
}

// SectionDoc is the M3 output for one section.
type SectionDoc struct {
	SectionID string           `json:"sectionId" validate:"required"`
	Title     string           `json:"title"`
	Blocks    []ContentBlock   `json:"blocks" validate:"required,min=1,dive"`
	Report    ValidationReport `json:"report"`
	State     RunningState     `json:"state"`
}

// ReaderDoc is the final assembled artifact: metadata plus one flat block
// sequence with globally unique ids chapter-slug/section-id/block-kind-nn.
type ReaderDoc struct {
	Title       string         `json:"title" validate:"required"`
	ChapterSlug string         `json:"chapterSlug" validate:"required"`
	Subject     Subject        `json:"subject" validate:"required"`
	Grade       string         `json:"grade" validate:"required"`
	Difficulty  Difficulty     `json:"difficulty" validate:"required"`
	Blocks      []ContentBlock `json:"blocks" validate:"required,min=1,dive"`
	SectionIDs  []string       `json:"sectionIds"`
}

// BlockID builds a globally unique block id.
func BlockID(chapterSlug, sectionID string, kind BlockKind, ordinal int) string {
	return fmt.Sprintf("%s/%s/%s-%02d", chapterSlug, sectionID, kind, ordinal)
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases and dash-joins a title for use in ids and paths.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// SectionID formats the zero-padded sequential section identifier.
func SectionID(index int) string {
	return fmt.Sprintf("s%03d", index+1)
}
