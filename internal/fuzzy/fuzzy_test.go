package fuzzy

import "testing"

func TestFindTextExactMatch(t *testing.T) {
	full := "前情提要。这是一段测试文字，用来验证精确匹配。后续内容。"
	marker := "这是一段测试文字"
	pos := FindText(full, marker, 0.7)
	if pos == -1 {
		t.Fatal("expected exact match to be found")
	}
	runes := []rune(full)
	if string(runes[pos:pos+len([]rune(marker))]) != marker {
		t.Fatalf("position %d does not point at marker", pos)
	}
}

func TestFindTextFuzzyMatch(t *testing.T) {
	full := "前情提要。这是一段测试内容，用来验证模糊匹配功能是否正常工作。后续内容。"
	marker := "这是一段测试文字，用来验证模糊匹配功能"
	pos := FindText(full, marker, 0.5)
	if pos == -1 {
		t.Fatal("expected fuzzy match to be found")
	}
}

func TestFindTextNoMatch(t *testing.T) {
	full := "完全不相关的文本内容。"
	marker := "一段毫无关联的标记文字用于测试"
	if pos := FindText(full, marker, 0.9); pos != -1 {
		t.Fatalf("expected no match, got %d", pos)
	}
}

func TestFindTextEmptyInputs(t *testing.T) {
	if pos := FindText("", "marker", 0.7); pos != -1 {
		t.Fatalf("expected -1 for empty text, got %d", pos)
	}
	if pos := FindText("text", "", 0.7); pos != -1 {
		t.Fatalf("expected -1 for empty marker, got %d", pos)
	}
}

func TestRatioIdentical(t *testing.T) {
	if r := ratio("abc", "abc"); r != 1.0 {
		t.Fatalf("expected 1.0, got %v", r)
	}
}

func TestRatioCompletelyDifferent(t *testing.T) {
	if r := ratio("abc", "xyz"); r != 0.0 {
		t.Fatalf("expected 0.0, got %v", r)
	}
}

func TestValidateMarkerOrder(t *testing.T) {
	full := "开始标记在这里出现，中间是正文内容，结束标记在这里出现。"
	start := "开始标记在这里出现"
	end := "结束标记在这里出现"
	startPos, endPos, valid := ValidateMarkerOrder(full, start, end, 0.7)
	if !valid {
		t.Fatalf("expected valid ordering, start=%d end=%d", startPos, endPos)
	}
}

func TestValidateMarkerOrderInvalidWhenReversed(t *testing.T) {
	full := "开始标记在这里出现，中间是正文内容，结束标记在这里出现。"
	start := "结束标记在这里出现"
	end := "开始标记在这里出现"
	_, _, valid := ValidateMarkerOrder(full, start, end, 0.7)
	if valid {
		t.Fatal("expected invalid ordering since markers are swapped")
	}
}
