package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/taxi-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, name, email, phone, license_number, vehicle_type, vehicle_model, vehicle_plate, vehicle_color, status, rating, total_ratings, total_rides, total_earnings, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		d.ID, d.Name, d.Email, d.Phone, d.LicenseNumber, string(d.VehicleType), d.VehicleModel, d.VehiclePlate, d.VehicleColor,
		string(d.Status), d.Rating, d.TotalRatings, d.TotalRides, d.TotalEarnings, d.CreatedAt, d.UpdatedAt)
	return err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, name, email, phone, license_number, vehicle_type, vehicle_model, vehicle_plate, vehicle_color, status, rating, total_ratings, total_rides, total_earnings, created_at, updated_at
		FROM drivers WHERE id=$1`, id)
	var d models.Driver
	err := row.Scan(&d.ID, &d.Name, &d.Email, &d.Phone, &d.LicenseNumber, &d.VehicleType, &d.VehicleModel, &d.VehiclePlate, &d.VehicleColor,
		&d.Status, &d.Rating, &d.TotalRatings, &d.TotalRides, &d.TotalEarnings, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *PostgresStore) ListDriversByStatus(ctx context.Context, status models.DriverStatus) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, email, phone, license_number, vehicle_type, vehicle_model, vehicle_plate, vehicle_color, status, rating, total_ratings, total_rides, total_earnings, created_at, updated_at
		FROM drivers WHERE status=$1`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		var d models.Driver
		if err := rows.Scan(&d.ID, &d.Name, &d.Email, &d.Phone, &d.LicenseNumber, &d.VehicleType, &d.VehicleModel, &d.VehiclePlate, &d.VehicleColor,
			&d.Status, &d.Rating, &d.TotalRatings, &d.TotalRides, &d.TotalEarnings, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetDriverStatus(ctx context.Context, id string, status models.DriverStatus, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET status=$1, updated_at=$2 WHERE id=$3`, string(status), at, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (p *PostgresStore) ClaimDriver(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET status='busy', last_dispatch_at=$1, updated_at=$1 WHERE id=$2 AND status='available'`, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ReleaseDriver(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE drivers SET status='available', updated_at=$1 WHERE id=$2 AND status='busy'`, at, id)
	return err
}

func (p *PostgresStore) AppendStatusEvent(ctx context.Context, ev models.StatusEvent) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_status_history(driver_id, status, created_at) VALUES($1,$2,$3)`,
		ev.DriverID, string(ev.Status), ev.CreatedAt)
	return err
}

func (p *PostgresStore) AppendRating(ctx context.Context, ev models.RatingEvent) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_ratings(driver_id, customer_id, rating, comment, created_at) VALUES($1,$2,$3,$4,$5)`,
		ev.DriverID, ev.CustomerID, ev.Rating, ev.Comment, ev.CreatedAt)
	return err
}

func (p *PostgresStore) RatingSummary(ctx context.Context, driverID string) (float64, int, error) {
	row := p.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(rating),0), COUNT(*) FROM driver_ratings WHERE driver_id=$1`, driverID)
	var avg float64
	var count int
	if err := row.Scan(&avg, &count); err != nil {
		return 0, 0, err
	}
	return avg, count, nil
}

func (p *PostgresStore) SetDriverRating(ctx context.Context, id string, rating float64, totalRatings int, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET rating=$1, total_ratings=$2, updated_at=$3 WHERE id=$4`, rating, totalRatings, at, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (p *PostgresStore) AppendEarnings(ctx context.Context, ev models.EarningsEvent) error {
	// ledger insert and aggregate bump in one transaction
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO driver_earnings(driver_id, ride_id, amount, created_at) VALUES($1,$2,$3,$4)`,
		ev.DriverID, ev.RideID, ev.Amount, ev.CreatedAt); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE drivers SET total_earnings = total_earnings + $1, total_rides = total_rides + 1, updated_at=$2 WHERE id=$3`,
		ev.Amount, ev.CreatedAt, ev.DriverID)
	if err != nil {
		return err
	}
	if err := mustAffect(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) DailyEarnings(ctx context.Context, driverID string, day time.Time) (float64, error) {
	row := p.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM driver_earnings WHERE driver_id=$1 AND created_at::date = $2::date`, driverID, day)
	var sum float64
	err := row.Scan(&sum)
	return sum, err
}

func (p *PostgresStore) RideCountSince(ctx context.Context, driverID string, since time.Time) (int, error) {
	row := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM driver_earnings WHERE driver_id=$1 AND created_at >= $2`, driverID, since)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (p *PostgresStore) AppendPerformance(ctx context.Context, driverID string, score float64, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_performance(driver_id, performance_score, created_at) VALUES($1,$2,$3)`, driverID, score, at)
	return err
}

func (p *PostgresStore) AvgPerformance(ctx context.Context, driverID string, since time.Time) (float64, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT AVG(performance_score), COUNT(*) FROM driver_performance WHERE driver_id=$1 AND created_at >= $2`, driverID, since)
	var avg sql.NullFloat64
	var n int
	if err := row.Scan(&avg, &n); err != nil {
		return 0, false, err
	}
	if n == 0 || !avg.Valid {
		return 0, false, nil
	}
	return avg.Float64, true, nil
}

func (p *PostgresStore) UpsertShift(ctx context.Context, s models.Shift) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_shifts(driver_id, shift_date, start_time, end_time, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (driver_id, shift_date) DO UPDATE SET start_time=EXCLUDED.start_time, end_time=EXCLUDED.end_time, status=EXCLUDED.status`,
		s.DriverID, s.Date, s.StartTime, s.EndTime, s.Status, s.CreatedAt)
	return err
}

func (p *PostgresStore) CountAvailableInBox(ctx context.Context, latMin, latMax, lngMin, lngMax float64) (int, error) {
	row := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM drivers d
		JOIN driver_locations dl ON d.id = dl.driver_id
		WHERE d.status='available' AND dl.latitude BETWEEN $1 AND $2 AND dl.longitude BETWEEN $3 AND $4`,
		latMin, latMax, lngMin, lngMax)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (p *PostgresStore) SaveLatestLocation(ctx context.Context, driverID string, loc models.Location) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_locations(driver_id, latitude, longitude, heading, speed, accuracy, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (driver_id) DO UPDATE SET latitude=EXCLUDED.latitude, longitude=EXCLUDED.longitude, heading=EXCLUDED.heading, speed=EXCLUDED.speed, accuracy=EXCLUDED.accuracy, updated_at=EXCLUDED.updated_at`,
		driverID, loc.Latitude, loc.Longitude, loc.Heading, loc.Speed, loc.Accuracy, loc.Timestamp)
	return err
}

func (p *PostgresStore) AppendLocationHistory(ctx context.Context, driverID string, loc models.Location) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_location_history(driver_id, latitude, longitude, heading, speed, recorded_at)
		VALUES($1,$2,$3,$4,$5,$6)`,
		driverID, loc.Latitude, loc.Longitude, loc.Heading, loc.Speed, loc.Timestamp)
	return err
}

func (p *PostgresStore) LatestLocation(ctx context.Context, driverID string) (models.Location, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT latitude, longitude, heading, speed, accuracy, updated_at FROM driver_locations WHERE driver_id=$1`, driverID)
	var loc models.Location
	err := row.Scan(&loc.Latitude, &loc.Longitude, &loc.Heading, &loc.Speed, &loc.Accuracy, &loc.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Location{}, false, nil
	}
	if err != nil {
		return models.Location{}, false, err
	}
	return loc, true, nil
}

func (p *PostgresStore) CreateDispatch(ctx context.Context, d *models.DispatchRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO dispatch_requests(id, customer_name, customer_phone, pickup_location, pickup_lat, pickup_lng, destination, vehicle_type, status, assigned_driver_id, estimated_arrival, fare_amount, dispatch_source, priority_score, payment_ref, created_at, confirmed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		d.ID, d.CustomerName, d.CustomerPhone, d.PickupAddress, d.PickupLat, d.PickupLng, d.Destination, string(d.VehicleType),
		string(d.Status), nullString(d.AssignedDriverID), d.EstimatedArrival, d.FareAmount, string(d.Source), d.PriorityScore, nullString(d.PaymentRef), d.CreatedAt, d.ConfirmedAt)
	return err
}

func (p *PostgresStore) GetDispatch(ctx context.Context, id string) (*models.DispatchRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, customer_name, customer_phone, pickup_location, pickup_lat, pickup_lng, destination, vehicle_type, status, assigned_driver_id, estimated_arrival, fare_amount, dispatch_source, priority_score, payment_ref, created_at, confirmed_at
		FROM dispatch_requests WHERE id=$1`, id)
	var d models.DispatchRequest
	var driverID, paymentRef sql.NullString
	var confirmedAt sql.NullTime
	err := row.Scan(&d.ID, &d.CustomerName, &d.CustomerPhone, &d.PickupAddress, &d.PickupLat, &d.PickupLng, &d.Destination, &d.VehicleType,
		&d.Status, &driverID, &d.EstimatedArrival, &d.FareAmount, &d.Source, &d.PriorityScore, &paymentRef, &d.CreatedAt, &confirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if driverID.Valid {
		d.AssignedDriverID = driverID.String
	}
	if paymentRef.Valid {
		d.PaymentRef = paymentRef.String
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		d.ConfirmedAt = &t
	}
	return &d, nil
}

func (p *PostgresStore) AssignDispatch(ctx context.Context, id, driverID string, etaMinutes int, score float64, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE dispatch_requests
		SET status='assigned', assigned_driver_id=$1, estimated_arrival=$2, priority_score=$3
		WHERE id=$4 AND status IN ('pending','calling')`,
		driverID, etaMinutes, score, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) UpdateDispatchStatus(ctx context.Context, id string, from, to models.DispatchStatus, confirmedAt *time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE dispatch_requests
		SET status=$1, confirmed_at=COALESCE($2, confirmed_at)
		WHERE id=$3 AND status=$4`,
		string(to), confirmedAt, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ClearAssignment(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE dispatch_requests SET assigned_driver_id=NULL WHERE id=$1`, id)
	return err
}

func (p *PostgresStore) SetDispatchPaymentRef(ctx context.Context, id, ref string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE dispatch_requests SET payment_ref=$1 WHERE id=$2`, ref, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (p *PostgresStore) AppendMatchingResult(ctx context.Context, r models.MatchingResult) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO matching_results(dispatch_id, driver_id, matching_score, created_at) VALUES($1,$2,$3,$4)`,
		r.DispatchID, r.DriverID, r.Score, r.CreatedAt)
	return err
}

func (p *PostgresStore) MatchingStats(ctx context.Context, since time.Time) (models.MatchingPerformance, error) {
	row := p.db.QueryRowContext(ctx, `SELECT
			COUNT(DISTINCT dr.id),
			COUNT(DISTINCT CASE WHEN dr.status NOT IN ('cancelled','failed') THEN dr.id END),
			COALESCE(AVG(mr.matching_score), 0),
			COALESCE(AVG(EXTRACT(EPOCH FROM (dr.confirmed_at - dr.created_at)) / 60.0), 0)
		FROM dispatch_requests dr
		LEFT JOIN matching_results mr ON dr.id = mr.dispatch_id
		WHERE dr.created_at >= $1`, since)
	var perf models.MatchingPerformance
	if err := row.Scan(&perf.TotalRequests, &perf.SuccessfulMatches, &perf.AvgMatchingScore, &perf.AvgMatchTimeMinutes); err != nil {
		return models.MatchingPerformance{}, err
	}
	if perf.TotalRequests > 0 {
		perf.SuccessRate = round2(float64(perf.SuccessfulMatches) / float64(perf.TotalRequests) * 100)
	}
	perf.AvgMatchingScore = round2(perf.AvgMatchingScore)
	perf.AvgMatchTimeMinutes = round2(perf.AvgMatchTimeMinutes)
	return perf, nil
}

func (p *PostgresStore) DemandCount(ctx context.Context, pickup, destination string, hour int, weekday time.Weekday, since time.Time) (int, error) {
	row := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_requests
		WHERE (pickup_location LIKE '%' || $1 || '%' OR destination LIKE '%' || $2 || '%')
		AND EXTRACT(HOUR FROM created_at) = $3
		AND EXTRACT(DOW FROM created_at) = $4
		AND created_at >= $5`,
		pickup, destination, hour, int(weekday), since)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (p *PostgresStore) DriverRidesSince(ctx context.Context, driverID string, since time.Time, statuses []models.DispatchStatus) (int, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	row := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_requests
		WHERE assigned_driver_id=$1 AND created_at >= $2 AND status = ANY($3)`,
		driverID, since, pq.Array(ss))
	var n int
	err := row.Scan(&n)
	return n, err
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
