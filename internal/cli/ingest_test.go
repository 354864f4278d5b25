package cli

import (
	"testing"
	"time"
)

func TestParseDay(t *testing.T) {
	got, err := parseDay("2024-01-05")
	if err != nil || !got.Equal(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("日期解析失败: %v %v", got, err)
	}

	got, err = parseDay("2024-01-05T22:00:00+02:00")
	if err != nil || !got.Equal(time.Date(2024, 1, 5, 20, 0, 0, 0, time.UTC)) {
		t.Fatalf("RFC3339 解析失败: %v %v", got, err)
	}

	if _, err := parseDay("05/01/2024"); err == nil {
		t.Fatal("非法格式应报错")
	}
}
