package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mktcast/internal/config"
	"mktcast/internal/storage"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func sampleRows() []storage.UnifiedRecord {
	return []storage.UnifiedRecord{
		{Symbol: "MSFT", TS: day(5), Close: dec("370.87"), Source: storage.SourceActual},
		{Symbol: "AAPL", TS: day(8), PredictedClose: dec("186.1"), Source: storage.SourceForecast, ModelID: "m1"},
		{Symbol: "AAPL", TS: day(5), Close: dec("185.64"), Source: storage.SourceActual},
		{Symbol: "AAPL", TS: day(4), Close: dec("184.25"), Source: storage.SourceActual},
	}
}

func TestSelectRowsFiltersAndSorts(t *testing.T) {
	from, to := day(5), day(8)
	got, err := selectRows(sampleRows(), &from, &to)
	if err != nil {
		t.Fatalf("筛选失败: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("应保留 [from, to) 内的 2 行, 实际 %d", len(got))
	}
	if got[0].Symbol != "AAPL" || got[1].Symbol != "MSFT" {
		t.Fatalf("应按 symbol 排序, 实际 %s, %s", got[0].Symbol, got[1].Symbol)
	}

	if _, err := selectRows(sampleRows(), &to, &from); err == nil {
		t.Fatal("from 晚于 to 时应报错")
	}
}

func TestDownsampleRowsKeepsEnds(t *testing.T) {
	rows := make([]storage.UnifiedRecord, 10)
	for i := range rows {
		rows[i] = storage.UnifiedRecord{Symbol: "AAPL", TS: day(i + 1)}
	}

	got := downsampleRows(rows, 4)
	if len(got) != 4 {
		t.Fatalf("应降采样到 4 行, 实际 %d", len(got))
	}
	if !got[0].TS.Equal(day(1)) || !got[3].TS.Equal(day(10)) {
		t.Fatalf("降采样应保留首尾, 实际 %s .. %s", got[0].TS, got[3].TS)
	}
	if len(downsampleRows(rows, 0)) != 10 {
		t.Fatal("max 为 0 时不应降采样")
	}
	if one := downsampleRows(rows, 1); len(one) != 1 || !one[0].TS.Equal(day(10)) {
		t.Fatal("max 为 1 时应保留最新一行")
	}
}

func TestWriteUnifiedCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "unified.csv")
	if err := writeUnifiedCSV(path, sampleRows()[1:3]); err != nil {
		t.Fatalf("写入 CSV 失败: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("解析 CSV 失败: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("应包含表头和 2 行, 实际 %d", len(records))
	}
	want := []string{"AAPL", "2024-01-08", "FORECAST", "", "186.1", "m1"}
	if strings.Join(records[1], ",") != strings.Join(want, ",") {
		t.Fatalf("预测行不正确: %v", records[1])
	}
	if records[2][3] != "185.64" || records[2][4] != "" {
		t.Fatalf("实际行不正确: %v", records[2])
	}
}

func TestPrintUnified(t *testing.T) {
	var buf bytes.Buffer
	if err := printUnified(&buf, sampleRows()); err != nil {
		t.Fatalf("输出失败: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Symbol", "2024-01-08", "FORECAST", "186.10", "185.64"} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := printUnified(&buf, nil); err != nil || !strings.Contains(buf.String(), "no unified rows") {
		t.Fatalf("空结果应提示, 实际 %q", buf.String())
	}
}

func TestLimitPerSymbol(t *testing.T) {
	rows := []storage.UnifiedRecord{
		{Symbol: "AAPL", TS: day(8)}, {Symbol: "AAPL", TS: day(5)}, {Symbol: "AAPL", TS: day(4)},
		{Symbol: "MSFT", TS: day(5)},
	}
	got := limitPerSymbol(rows, 2)
	if len(got) != 3 {
		t.Fatalf("每个 symbol 最多 2 行, 实际 %d", len(got))
	}
	if got[2].Symbol != "MSFT" {
		t.Fatalf("MSFT 行应保留, 实际 %v", got[2])
	}
}

func TestStoreRequiresDSN(t *testing.T) {
	a := NewApp(&config.Config{}, zerolog.Nop())

	if _, _, err := a.pipelineStore(context.Background(), false); err == nil {
		t.Fatal("未配置 DSN 时应报错")
	}
	store, closeStore, err := a.pipelineStore(context.Background(), true)
	if err != nil {
		t.Fatalf("dry-run 不应需要数据库: %v", err)
	}
	defer closeStore()
	if _, ok := store.(*storage.Memory); !ok {
		t.Fatalf("dry-run 应使用内存存储, 实际 %T", store)
	}

	if err := a.Migrate(context.Background()); err == nil {
		t.Fatal("未配置 DSN 时 migrate 应报错")
	}
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("缺少 --csv/--png 时应报错")
	}
	if err := a.Export(context.Background(), ExportOptions{PNGPath: "x.png"}); err == nil {
		t.Fatal("--png 缺少 --symbol 时应报错")
	}
}
