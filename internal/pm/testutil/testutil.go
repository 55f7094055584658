package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-phasegate/internal/middleware"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/entity"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TestSchema = "test_pm"
	JWTSecret  = "phasegate-test-secret"
	JWTIssuer  = "nimo-phasegate"
)

// projectRoot returns the project root directory by looking for go.mod
func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func loadEnv() {
	if root := projectRoot(); root != "" {
		godotenv.Load(filepath.Join(root, ".env"))
	}
}

// SetupTestDB returns a migrated database for one test.
// Defaults to an in-memory sqlite database; TEST_DB=postgres uses an isolated
// schema on the database configured by DB_* and drops it afterwards.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	loadEnv()

	var db *gorm.DB
	if os.Getenv("TEST_DB") == "postgres" {
		db = setupPostgres(t)
	} else {
		db = setupSQLite(t)
	}
	if err := db.AutoMigrate(entity.AllModels()...); err != nil {
		t.Fatalf("Failed to migrate test tables: %v", err)
	}
	return db
}

var sqliteSeq struct {
	sync.Mutex
	n int
}

func setupSQLite(t *testing.T) *gorm.DB {
	sqliteSeq.Lock()
	sqliteSeq.n++
	name := fmt.Sprintf("file:pmtest%d?mode=memory&cache=shared&_foreign_keys=1", sqliteSeq.n)
	sqliteSeq.Unlock()

	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	// sqlite 只允许一个写连接，事务内外共用会死锁，测试中统一单连接
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func setupPostgres(t *testing.T) *gorm.DB {
	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "nimo")
	password := getEnv("DB_PASSWORD", "nimo123")
	dbname := getEnv("DB_NAME", "nimo_pm")

	baseDSN := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)
	schemaName := fmt.Sprintf("%s_%d", TestSchema, time.Now().UnixNano()%1000000)

	setupDB, err := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to database for schema setup: %v", err)
	}
	setupDB.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schemaName))
	sqlSetup, _ := setupDB.DB()
	sqlSetup.Close()

	// search_path 写进 DSN，连接池里每个连接都落在测试 schema
	testDSN := fmt.Sprintf("%s search_path=%s", baseDSN, schemaName)
	db, err := gorm.Open(postgres.Open(testDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, _ := db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
		cleanDB, cleanErr := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if cleanErr == nil {
			cleanDB.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
			if sqlClean, _ := cleanDB.DB(); sqlClean != nil {
				sqlClean.Close()
			}
		}
	})
	return db
}

// Clock 每次调用前进固定步长，让测试中的创建时间严格递增
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), step: time.Millisecond}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

// SetupRouter creates a gin test router
func SetupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// AuthGroup creates an API group with JWT auth middleware for testing
func AuthGroup(r *gin.Engine, path string) *gin.RouterGroup {
	return r.Group(path, middleware.JWTAuth(JWTSecret, JWTIssuer))
}

// GenerateTestToken creates a valid JWT token for testing
func GenerateTestToken(userID, name string, roles []string) string {
	if roles == nil {
		roles = []string{}
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":        userID,
		"uid":        userID,
		"name":       name,
		"email":      userID + "@test.com",
		"feishu_uid": "ou_" + userID,
		"roles":      roles,
		"iss":        JWTIssuer,
		"iat":        now.Unix(),
		"exp":        now.Add(24 * time.Hour).Unix(),
		"jti":        fmt.Sprintf("test-jti-%d", now.UnixNano()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(JWTSecret))
	return tokenString
}

// AdminToken returns a token for an admin test user
func AdminToken() string {
	return GenerateTestToken("test-admin", "Test Admin", []string{middleware.AdminRole})
}

// DoRequest executes an HTTP request against the test router
func DoRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ParseResponse parses the JSON response body into a handler.Response-like map
func ParseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

// ResponseData returns the "data" object of a response, failing the test if absent
func ResponseData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	resp := ParseResponse(w)
	data, ok := resp["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no data object: %s", w.Body.String())
	}
	return data
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
