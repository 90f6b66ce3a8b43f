package prompt

// Built-in templates so a fresh deployment can generate without a prompt
// directory. A prompts dir loaded over these (same names) wins.
var builtins = []Template{
	{
		Name:       "plan",
		Version:    "1.0.0",
		SchemaHint: "plan",
		Variables:  []string{"subject", "chapter", "grade", "difficulty"},
		Text: "You are planning a {{subject}} chapter titled \"{{chapter}}\" for grade {{grade}} " +
			"students at {{difficulty}} difficulty. Produce an ordered list of teaching beats. " +
			"Each beat needs an id, a headline, learning outcomes, prerequisite beat ids " +
			"(earlier beats only), and suggested asset tokens of the form type:name where " +
			"type is one of eq, plot, diagram, widget, chem. Respond as JSON matching the " +
			"plan schema.",
	},
	{
		Name:       "section-prose",
		Version:    "1.0.0",
		SchemaHint: "prose",
		Variables:  []string{"subject", "grade", "difficulty", "sectionTitle", "concepts", "recap", "marker"},
		Text: "Write the prose for section \"{{sectionTitle}}\" of a {{subject}} chapter, grade " +
			"{{grade}}, {{difficulty}} difficulty. Concepts to cover in order: {{concepts}}. " +
			"What the reader already knows: {{recap}}. Lead naturally into the upcoming " +
			"{{marker}} asset. Plain flowing paragraphs only. No markdown headers, bullets, " +
			"numbered lists, or code fences.",
	},
	{
		Name:       "section-asset",
		Version:    "1.0.0",
		SchemaHint: "asset",
		Variables:  []string{"subject", "grade", "marker", "context"},
		Text: "Produce the {{marker}} asset specification for a grade {{grade}} {{subject}} " +
			"reader. Surrounding narrative: {{context}}. Respond as JSON matching the asset " +
			"schema for this asset type. Equations must include a numeric check record with " +
			"vars, expr, expected, and tolerance.",
	},
	{
		Name:      "section-recap",
		Version:   "1.0.0",
		Variables: []string{"previousRecap", "sectionSummary", "wordLimit"},
		Text: "Update the running recap. Previous recap: {{previousRecap}}. What the new " +
			"section covered: {{sectionSummary}}. Reply with a recap of at most {{wordLimit}} " +
			"words, plain prose.",
	},
}

// WithDefaults readies the store with the built-in templates. Disk templates
// loaded afterwards by Init replace same-name builtins.
func (s *Store) WithDefaults() *Store {
	s.InitEmpty()
	for _, t := range builtins {
		// Capacity is sized above the builtin count; Put cannot fail here.
		_ = s.Put(t)
	}
	return s
}
