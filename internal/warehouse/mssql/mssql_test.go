package mssql

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"adsync/internal/warehouse"
)

var (
	staging = warehouse.TableRef{Dataset: "ads", Table: "staging"}
	dest    = warehouse.TableRef{Dataset: "ads", Table: "dest"}
	schema  = warehouse.Schema{
		{Name: "ad_id", Type: warehouse.TypeString, Required: true},
		{Name: "date", Type: warehouse.TypeDate, Required: true},
		{Name: "cost", Type: warehouse.TypeFloat64},
	}
)

func newMock(t *testing.T) (*Warehouse, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	w := newWithDB(db, nil)
	t.Cleanup(func() {
		w.Close()
	})
	return w, mock
}

func TestReplaceTable_DropCreateInsertInOneTx(t *testing.T) {
	w, mock := newMock(t)
	d := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("IF SCHEMA_ID(N'ads') IS NULL")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE IF EXISTS [ads].[staging]")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE [ads].[staging]")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO [ads].[staging] ([ad_id], [date], [cost]) VALUES (@p1, @p2, @p3), (@p4, @p5, @p6)")).
		WithArgs("a1", d, 1.5, "a2", d, nil).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := w.ReplaceTable(context.Background(), staging, schema, [][]any{
		{"a1", d, 1.5},
		{"a2", d, nil},
	})
	if err != nil {
		t.Fatalf("ReplaceTable: %v", err)
	}
	if n != 2 {
		t.Fatalf("n=%d, want 2", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReplaceTable_EmptyRowsSkipsInsert(t *testing.T) {
	w, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("IF SCHEMA_ID").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if _, err := w.ReplaceTable(context.Background(), staging, schema, nil); err != nil {
		t.Fatalf("ReplaceTable: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReplaceTable_InsertFailureRollsBack(t *testing.T) {
	w, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("IF SCHEMA_ID").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err := w.ReplaceTable(context.Background(), staging, schema, [][]any{{"a1", time.Now(), nil}})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err=%v, want boom", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTableExists(t *testing.T) {
	w, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("OBJECT_ID(@p1, N'U')")).
		WithArgs("[ads].[dest]").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta("OBJECT_ID(@p1, N'U')")).
		WithArgs("[ads].[staging]").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))

	ok, err := w.TableExists(context.Background(), dest)
	if err != nil || ok {
		t.Fatalf("TableExists(dest)=%v, %v; want false", ok, err)
	}
	ok, err = w.TableExists(context.Background(), staging)
	if err != nil || !ok {
		t.Fatalf("TableExists(staging)=%v, %v; want true", ok, err)
	}
}

func TestMerge_ExecutesSingleStatement(t *testing.T) {
	w, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("MERGE INTO [ads].[dest] AS target")).WillReturnResult(sqlmock.NewResult(0, 3))

	err := w.Merge(context.Background(), warehouse.MergeSpec{
		Target: dest, Source: staging,
		Key:     []string{"ad_id", "date"},
		Columns: schema.Names(),
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMerge_InvalidSpecNeverHitsDB(t *testing.T) {
	w, mock := newMock(t)

	err := w.Merge(context.Background(), warehouse.MergeSpec{Target: dest, Source: staging, Columns: []string{"a"}})
	if !errors.Is(err, warehouse.ErrInvalidMerge) {
		t.Fatalf("err=%v, want ErrInvalidMerge", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTableInfo_MissingTableIsNil(t *testing.T) {
	w, mock := newMock(t)

	mock.ExpectQuery("FROM sys.tables").WithArgs("[ads].[dest]").
		WillReturnRows(sqlmock.NewRows([]string{"create_date", "modify_date"}))

	info, err := w.TableInfo(context.Background(), dest)
	if err != nil || info != nil {
		t.Fatalf("TableInfo=%v, %v; want nil, nil", info, err)
	}
}

func TestTableInfo_ReadsCountAndTimes(t *testing.T) {
	w, mock := newMock(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	modified := created.Add(time.Hour)

	mock.ExpectQuery("FROM sys.tables").WithArgs("[ads].[dest]").
		WillReturnRows(sqlmock.NewRows([]string{"create_date", "modify_date"}).AddRow(created, modified))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT_BIG(*) FROM [ads].[dest]")).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(42)))

	info, err := w.TableInfo(context.Background(), dest)
	if err != nil {
		t.Fatalf("TableInfo: %v", err)
	}
	if info.NumRows != 42 || !info.Created.Equal(created) || !info.Modified.Equal(modified) {
		t.Fatalf("info=%+v", info)
	}
}

func TestBuildMergeSQL(t *testing.T) {
	t.Parallel()

	got := buildMergeSQL(warehouse.MergeSpec{
		Target: dest, Source: staging,
		Key:     []string{"ad_id", "date"},
		Columns: []string{"ad_id", "date", "cost"},
	})
	want := "MERGE INTO [ads].[dest] AS target\n" +
		"USING [ads].[staging] AS source\n" +
		"ON target.[ad_id] = source.[ad_id] AND target.[date] = source.[date]\n" +
		"WHEN MATCHED THEN UPDATE SET target.[cost] = source.[cost]\n" +
		"WHEN NOT MATCHED BY TARGET THEN INSERT ([ad_id], [date], [cost]) VALUES (source.[ad_id], source.[date], source.[cost]);"
	if got != want {
		t.Fatalf("buildMergeSQL mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestBuildReplaceSQL_ColumnTypes(t *testing.T) {
	t.Parallel()

	stmts := buildReplaceSQL(warehouse.TableRef{Table: "t"}, warehouse.Schema{
		{Name: "a", Type: warehouse.TypeString, Required: true},
		{Name: "b", Type: warehouse.TypeTimestamp},
	})
	if len(stmts) != 2 {
		t.Fatalf("stmts=%q", stmts)
	}
	if !strings.Contains(stmts[1], "[a] NVARCHAR(4000) NOT NULL") || !strings.Contains(stmts[1], "[b] DATETIME2 NULL") {
		t.Fatalf("create=%s", stmts[1])
	}
}

func TestBuildSelectIntoSQL(t *testing.T) {
	t.Parallel()

	if got := buildSelectIntoSQL(dest, staging); got != "SELECT * INTO [ads].[dest] FROM [ads].[staging]" {
		t.Fatalf("got=%q", got)
	}
}

func TestMssqlIdent_EscapesBrackets(t *testing.T) {
	t.Parallel()

	if got := mssqlIdent("we]ird"); got != "[we]]ird]" {
		t.Fatalf("mssqlIdent=%q", got)
	}
}
