// Package airports resolves airport codes to positions.
//
// The database is loaded from an OurAirports-style CSV (ident, iata_code,
// latitude_deg, longitude_deg and optionally name). Parsing the full
// OurAirports file takes a noticeable moment, so a msgpack+zstd copy is
// kept in the user cache directory and reused while the CSV is unchanged.
package airports

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/unklstewy/livetraffic/pkg/coordinates"
	"github.com/unklstewy/livetraffic/pkg/log"
)

// ErrMissingColumn is returned when the CSV header lacks a required column.
var ErrMissingColumn = errors.New("airports: missing column")

type Airport struct {
	ICAO      string  `msgpack:"icao"`
	IATA      string  `msgpack:"iata"`
	Name      string  `msgpack:"name"`
	Latitude  float64 `msgpack:"lat"`
	Longitude float64 `msgpack:"lon"`
}

func (a Airport) Position() coordinates.Geographic {
	return coordinates.Geographic{Latitude: a.Latitude, Longitude: a.Longitude}
}

// DB is an immutable airport lookup table; it is safe for concurrent use.
type DB struct {
	byICAO     map[string]Airport
	iataToICAO map[string]string
}

// New builds a database from a list of airports. Later duplicates win.
func New(list []Airport) *DB {
	db := &DB{
		byICAO:     make(map[string]Airport, len(list)),
		iataToICAO: make(map[string]string),
	}
	for _, ap := range list {
		ap.ICAO = strings.ToUpper(strings.TrimSpace(ap.ICAO))
		ap.IATA = strings.ToUpper(strings.TrimSpace(ap.IATA))
		if ap.ICAO == "" {
			continue
		}
		db.byICAO[ap.ICAO] = ap
		if ap.IATA != "" {
			db.iataToICAO[ap.IATA] = ap.ICAO
		}
	}
	return db
}

func (db *DB) Len() int {
	if db == nil {
		return 0
	}
	return len(db.byICAO)
}

// Lookup returns the airport with the given ICAO identifier.
func (db *DB) Lookup(icao string) (Airport, bool) {
	if db == nil {
		return Airport{}, false
	}
	ap, ok := db.byICAO[strings.ToUpper(strings.TrimSpace(icao))]
	return ap, ok
}

// ICAOFromIATA maps a three-letter IATA code to its ICAO identifier.
func (db *DB) ICAOFromIATA(iata string) (string, bool) {
	if db == nil {
		return "", false
	}
	icao, ok := db.iataToICAO[strings.ToUpper(strings.TrimSpace(iata))]
	return icao, ok
}

// ToICAO normalizes a route hint: known ICAO codes are returned as is,
// known IATA codes are mapped, anything else is returned unchanged.
func (db *DB) ToICAO(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ""
	}
	if _, ok := db.Lookup(code); ok {
		return code
	}
	if icao, ok := db.ICAOFromIATA(code); ok {
		return icao
	}
	return code
}

// ParseCSV reads an OurAirports-style CSV. Columns are located by header
// name, so extra columns and any column order are accepted.
func ParseCSV(r io.Reader) (*DB, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	col := make(map[string]int)
	for i, h := range header {
		col[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, req := range []string{"ident", "iata_code", "latitude_deg", "longitude_deg"} {
		if _, ok := col[req]; !ok {
			return nil, fmt.Errorf("%w %q", ErrMissingColumn, req)
		}
	}
	nameCol, hasName := col["name"]

	field := func(rec []string, i int) string {
		if i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var list []Airport
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		lat, err := strconv.ParseFloat(field(rec, col["latitude_deg"]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: latitude: %w", line, err)
		}
		lon, err := strconv.ParseFloat(field(rec, col["longitude_deg"]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: longitude: %w", line, err)
		}

		ap := Airport{
			ICAO:      field(rec, col["ident"]),
			IATA:      field(rec, col["iata_code"]),
			Latitude:  lat,
			Longitude: lon,
		}
		if hasName {
			ap.Name = field(rec, nameCol)
		}
		list = append(list, ap)
	}

	return New(list), nil
}

// cacheFile is the on-disk form of a parsed database. The source size
// and modification time identify the CSV it was built from.
type cacheFile struct {
	SourceSize    int64     `msgpack:"size"`
	SourceModTime time.Time `msgpack:"mtime"`
	Airports      []Airport `msgpack:"airports"`
}

// WriteCache writes the database as zstd-compressed msgpack.
func (db *DB) WriteCache(w io.Writer, size int64, modTime time.Time) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	defer zw.Close()

	cf := cacheFile{SourceSize: size, SourceModTime: modTime.UTC()}
	for _, ap := range db.byICAO {
		cf.Airports = append(cf.Airports, ap)
	}
	if err := msgpack.NewEncoder(zw).Encode(cf); err != nil {
		return fmt.Errorf("failed to encode airports: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close zstd writer: %w", err)
	}
	return nil
}

// ReadCache reads a database written by WriteCache, along with the size
// and modification time of the CSV it came from.
func ReadCache(r io.Reader) (*DB, int64, time.Time, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, 0, time.Time{}, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	var cf cacheFile
	if err := msgpack.NewDecoder(zr).Decode(&cf); err != nil {
		return nil, 0, time.Time{}, fmt.Errorf("failed to decode airports: %w", err)
	}
	return New(cf.Airports), cf.SourceSize, cf.SourceModTime, nil
}

// Load returns the database for the CSV at path, using the cache when it
// matches the file and refreshing it otherwise. Cache problems are logged
// and never fatal.
func Load(path string, lg *log.Logger) (*DB, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("airports: %w", err)
	}

	cache := cachePath(path)
	if cache != "" {
		if db, ok := loadCache(cache, fi, lg); ok {
			lg.Debug("airports: loaded from cache", "path", cache, "count", db.Len())
			return db, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("airports: %w", err)
	}
	defer f.Close()

	start := time.Now()
	db, err := ParseCSV(f)
	if err != nil {
		return nil, fmt.Errorf("airports: %s: %w", path, err)
	}
	lg.Info("airports: parsed CSV", "path", path, "count", db.Len(), "elapsed", time.Since(start))

	if cache != "" {
		if err := storeCache(cache, db, fi); err != nil {
			lg.Warn("airports: unable to write cache", "path", cache, "error", err)
		}
	}
	return db, nil
}

func cachePath(csvPath string) string {
	cd, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	abs, err := filepath.Abs(csvPath)
	if err != nil {
		abs = csvPath
	}
	// Keep caches for different CSVs apart
	name := strings.NewReplacer(string(filepath.Separator), "_", ":", "_").Replace(abs)
	return filepath.Join(cd, "livetraffic", name+".msgpack.zst")
}

func loadCache(path string, src os.FileInfo, lg *log.Logger) (*DB, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	db, size, mtime, err := ReadCache(f)
	if err != nil {
		lg.Warn("airports: ignoring unreadable cache", "path", path, "error", err)
		return nil, false
	}
	if size != src.Size() || !mtime.Equal(src.ModTime().UTC()) {
		return nil, false
	}
	return db, true
}

func storeCache(path string, db *DB, src os.FileInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := db.WriteCache(f, src.Size(), src.ModTime()); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
