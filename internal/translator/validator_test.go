package translator

import (
	"testing"

	"pdf-translator/internal/document"
)

func TestValidateStructurePass(t *testing.T) {
	original := "# Title\n\n- one\n- two\n\nA paragraph."
	good := "# 标题\n\n- 一\n- 二\n\n一个段落。"
	if scores := ValidateStructure(original, good); !scores.Pass() {
		t.Errorf("faithful translation rejected: %+v", scores)
	}
}

func TestValidateStructureFail(t *testing.T) {
	original := "# One\n\n# Two\n\n# Three\n\n- a\n- b\n- c\n- d"
	flattened := "all the content in a single line with no structure at all"
	if scores := ValidateStructure(original, flattened); scores.Pass() {
		t.Errorf("flattened translation accepted: %+v", scores)
	}
}

func TestStructuralScoresRule(t *testing.T) {
	tests := []struct {
		name   string
		scores StructuralScores
		want   bool
	}{
		{"all clear", StructuralScores{1, 1, 1}, true},
		{"two of three clear", StructuralScores{0.8, 0.6, 0.1}, true},
		{"one clear low average", StructuralScores{0.9, 0.1, 0.1}, false},
		{"high average carries", StructuralScores{0.65, 0.45, 1.0}, false},
		{"average above threshold", StructuralScores{0.69, 0.8, 0.8}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.scores.Pass(); got != tt.want {
				t.Errorf("Pass() = %v, want %v (%+v)", got, tt.want, tt.scores)
			}
		})
	}
}

const originalTable = `| Name | Score |
| --- | --- |
| alpha | 1 |
| beta | 2 |`

func TestValidateTable(t *testing.T) {
	v := StructuredContentValidator{}

	t.Run("faithful table passes", func(t *testing.T) {
		good := "| 名称 | 分数 |\n| --- | --- |\n| 甲 | 1 |\n| 乙 | 2 |"
		if vs := v.Validate(document.KindTable, originalTable, good); len(vs) != 0 {
			t.Errorf("violations = %v", vs)
		}
	})

	t.Run("exploded rows rejected", func(t *testing.T) {
		bad := originalTable + "\n| extra | 3 |\n| extra | 4 |\n| extra | 5 |"
		vs := v.Validate(document.KindTable, originalTable, bad)
		if !hasRule(vs, "table_rows") {
			t.Errorf("violations = %v, want table_rows", vs)
		}
	})

	t.Run("dropped separator rejected", func(t *testing.T) {
		bad := "| 名称 | 分数 |\n| 甲 | 1 |\n| 乙 | 2 |"
		vs := v.Validate(document.KindTable, originalTable, bad)
		if !hasRule(vs, "table_separators") {
			t.Errorf("violations = %v, want table_separators", vs)
		}
	})

	t.Run("column drift rejected", func(t *testing.T) {
		bad := "| a | b | c | d |\n| --- | --- | --- | --- |\n| 1 | 2 | 3 | 4 |\n| 5 | 6 | 7 | 8 |"
		vs := v.Validate(document.KindTable, originalTable, bad)
		if !hasRule(vs, "table_columns") {
			t.Errorf("violations = %v, want table_columns", vs)
		}
	})
}

func TestValidateFences(t *testing.T) {
	v := StructuredContentValidator{}
	original := "```python\nprint('hi')\n```"

	if vs := v.Validate(document.KindCodeBlock, original, original); len(vs) != 0 {
		t.Errorf("identical code block flagged: %v", vs)
	}

	vs := v.Validate(document.KindCodeBlock, original, "print('hi')")
	if !hasRule(vs, "code_fences") {
		t.Errorf("violations = %v, want code_fences", vs)
	}

	vs = v.Validate(document.KindCodeBlock, original, "```\nprint('hi')\n```")
	if !hasRule(vs, "code_fence_language") {
		t.Errorf("violations = %v, want code_fence_language", vs)
	}
}

func TestValidateLatex(t *testing.T) {
	v := StructuredContentValidator{}
	original := `\begin{align} x &= \frac{a}{b} \end{align}`

	if vs := v.Validate(document.KindMathFormula, original, original); len(vs) != 0 {
		t.Errorf("identical formula flagged: %v", vs)
	}

	t.Run("dropped environment", func(t *testing.T) {
		vs := v.Validate(document.KindMathFormula, original, `x = \frac{a}{b}`)
		if !hasRule(vs, "latex_environments") {
			t.Errorf("violations = %v, want latex_environments", vs)
		}
	})

	t.Run("unbalanced dollars", func(t *testing.T) {
		vs := v.Validate(document.KindMathFormula, `$x + y$`, `$x + y`)
		if !hasRule(vs, "latex_dollars") {
			t.Errorf("violations = %v, want latex_dollars", vs)
		}
	})

	t.Run("command loss", func(t *testing.T) {
		orig := `$\alpha + \beta + \gamma + \delta$`
		vs := v.Validate(document.KindMathFormula, orig, `$a + b + c + d$`)
		if !hasRule(vs, "latex_commands") {
			t.Errorf("violations = %v, want latex_commands", vs)
		}
	})
}

func TestValidateList(t *testing.T) {
	v := StructuredContentValidator{}
	original := "- one\n- two\n  - nested"

	if vs := v.Validate(document.KindListItem, original, "- 一\n- 二\n  - 嵌套"); len(vs) != 0 {
		t.Errorf("faithful list flagged: %v", vs)
	}

	vs := v.Validate(document.KindListItem, original, "- 一 二 嵌套")
	if !hasRule(vs, "list_markers") {
		t.Errorf("violations = %v, want list_markers", vs)
	}

	vs = v.Validate(document.KindListItem, original, "- 一\n- 二\n- 嵌套")
	if !hasRule(vs, "list_nesting") {
		t.Errorf("violations = %v, want list_nesting", vs)
	}
}

func TestValidateProseAppliesActiveChecks(t *testing.T) {
	v := StructuredContentValidator{}
	original := "Some prose with $x+y$ inline.\n\n- item one\n- item two"
	bad := "Prose without the math or items."
	vs := v.Validate(document.KindParagraph, original, bad)
	if !hasRule(vs, "list_markers") {
		t.Errorf("violations = %v, want list_markers for dropped items", vs)
	}
}

func hasRule(vs []Violation, rule string) bool {
	for _, v := range vs {
		if v.Rule == rule {
			return true
		}
	}
	return false
}
