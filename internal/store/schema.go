package store

const schema = `
CREATE TABLE IF NOT EXISTS customers (
	id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	name         VARCHAR(100) NOT NULL,
	email        VARCHAR(100),
	phone        VARCHAR(20),
	barcode      VARCHAR(50) NOT NULL,
	total_points BIGINT NOT NULL DEFAULT 0,
	total_spent  BIGINT NOT NULL DEFAULT 0,
	joined_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_visit   TIMESTAMPTZ,
	notes        TEXT,
	CONSTRAINT customers_email_key UNIQUE (email),
	CONSTRAINT customers_barcode_key UNIQUE (barcode)
);

CREATE TABLE IF NOT EXISTS purchases (
	id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	customer_id    UUID REFERENCES customers(id),
	barcode        VARCHAR(50) NOT NULL,
	receipt_number VARCHAR(50),
	receipt_text   TEXT,
	amount_cents   BIGINT NOT NULL,
	points_awarded BIGINT NOT NULL DEFAULT 0,
	purchase_date  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	receipt_hash   VARCHAR(64) NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS purchases_receipt_number_key
	ON purchases (receipt_number) WHERE receipt_number IS NOT NULL;
CREATE INDEX IF NOT EXISTS purchases_customer_idx ON purchases (customer_id);
CREATE INDEX IF NOT EXISTS purchases_hash_idx ON purchases (receipt_hash);

CREATE TABLE IF NOT EXISTS scan_events (
	id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	customer_id  UUID REFERENCES customers(id),
	barcode_data VARCHAR(100) NOT NULL,
	scanned_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	is_matched   BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS scan_events_barcode_idx ON scan_events (barcode_data, scanned_at);
`
