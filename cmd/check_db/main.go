package main

import (
	"flag"
	"fmt"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"boardsync/internal/config"
	"boardsync/internal/database"
)

func main() {
	room := flag.String("room", "", "show records of a single room")
	limit := flag.Int("limit", 10, "number of rooms to list")
	flag.Parse()

	cfg := config.Load()

	db, err := gorm.Open(postgres.Open(database.DSN(&cfg.Database)), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer database.Close(db)

	fmt.Println("✅ Connected to database")
	fmt.Println()

	// board_records 테이블 존재 여부
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.tables
			WHERE table_name = 'board_records'
		)
	`
	if err := db.Raw(query).Scan(&exists).Error; err != nil {
		log.Fatal("Failed to check board_records table:", err)
	}

	fmt.Printf("📊 board_records table exists: %v\n", exists)
	fmt.Println()

	if !exists {
		fmt.Println("❌ board_records table does NOT exist!")
		fmt.Println("⚠️  Start the server once (AutoMigrate) to create it")
		return
	}

	// 컬럼 정보
	type ColumnInfo struct {
		ColumnName string
		DataType   string
		IsNullable string
	}
	var columns []ColumnInfo
	query = `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_name = 'board_records'
		ORDER BY ordinal_position
	`
	if err := db.Raw(query).Scan(&columns).Error; err != nil {
		log.Fatal("Failed to get column info:", err)
	}

	fmt.Println("📋 Columns:")
	for _, c := range columns {
		fmt.Printf("  - %s %s (nullable: %s)\n", c.ColumnName, c.DataType, c.IsNullable)
	}
	fmt.Println()

	if *room != "" {
		printRoom(db, *room)
		return
	}

	// 전체 통계
	type Stats struct {
		Rooms   int64
		Records int64
		Assets  int64
	}
	var stats Stats
	query = `
		SELECT
			COUNT(DISTINCT room_id) AS rooms,
			COUNT(*) AS records,
			COUNT(CASE WHEN content->>'typeName' = 'asset' THEN 1 END) AS assets
		FROM board_records
	`
	if err := db.Raw(query).Scan(&stats).Error; err != nil {
		log.Fatal("Failed to get statistics:", err)
	}

	fmt.Println("📈 Board Statistics:")
	fmt.Printf("  - Rooms: %d\n", stats.Rooms)
	fmt.Printf("  - Records: %d\n", stats.Records)
	fmt.Printf("  - Assets: %d\n", stats.Assets)
	fmt.Println()

	// 최근 수정된 room
	type RoomInfo struct {
		RoomID    string
		Records   int64
		UpdatedAt string
	}
	var rooms []RoomInfo
	query = `
		SELECT room_id, COUNT(*) AS records, MAX(updated_at)::text AS updated_at
		FROM board_records
		GROUP BY room_id
		ORDER BY MAX(updated_at) DESC
		LIMIT ?
	`
	if err := db.Raw(query, *limit).Scan(&rooms).Error; err != nil {
		log.Fatal("Failed to get recent rooms:", err)
	}

	fmt.Printf("🧩 Recent Rooms (last %d):\n", *limit)
	for _, r := range rooms {
		fmt.Printf("  - Room: %s, Records: %d, Updated: %s\n", r.RoomID, r.Records, r.UpdatedAt)
	}
}

// printRoom room 하나의 레코드 타입별 개수
func printRoom(db *gorm.DB, roomID string) {
	type TypeCount struct {
		TypeName string
		Count    int64
	}
	var counts []TypeCount
	query := `
		SELECT content->>'typeName' AS type_name, COUNT(*) AS count
		FROM board_records
		WHERE room_id = ?
		GROUP BY content->>'typeName'
		ORDER BY count DESC
	`
	if err := db.Raw(query, roomID).Scan(&counts).Error; err != nil {
		log.Fatal("Failed to get room records:", err)
	}

	if len(counts) == 0 {
		fmt.Printf("❌ Room %s has no records\n", roomID)
		return
	}

	fmt.Printf("🧩 Room %s:\n", roomID)
	for _, c := range counts {
		fmt.Printf("  - %s: %d\n", c.TypeName, c.Count)
	}
}
