package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/backoff"
	clog "github.com/camerpulse/camerpulse-sub041/internal/log"
	"github.com/camerpulse/camerpulse-sub041/internal/notify"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// NotifyChannel 是触发器发布行变更所用的 LISTEN/NOTIFY 频道。
const NotifyChannel = "table_changes"

// NewPool 建立 LISTEN 专用的连接池，数据库尚未就绪时按退避重试。
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	log := clog.Component("changefeed")
	wait := backoff.Fixed{Delay: 2 * time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		var pool *pgxpool.Pool
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("connect listen pool")
		if !backoff.Sleep(ctx, wait.Next(attempt)) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("connect listen pool after 10 attempts: %w", err)
}

// PGFeed 通过 Postgres LISTEN/NOTIFY 接收触发器发布的行变更。
// 每个订阅独占一条连接，连接断开即订阅结束，由 Listener 负责重订阅。
// 超过 NOTIFY 上限的行只带主键到达，由 fetch 回表补齐。
type PGFeed struct {
	pool  *pgxpool.Pool
	log   zerolog.Logger
	fetch func(ctx context.Context, table, id string) (json.RawMessage, error)
}

func NewPGFeed(pool *pgxpool.Pool) *PGFeed {
	f := &PGFeed{pool: pool, log: clog.Component("changefeed")}
	f.fetch = f.fetchRow
	return f
}

func (f *PGFeed) fetchRow(ctx context.Context, table, id string) (json.RawMessage, error) {
	q := "SELECT row_to_json(t)::text FROM " + pgx.Identifier{table}.Sanitize() + " t WHERE t.id::text = $1"
	var raw string
	if err := f.pool.QueryRow(ctx, q, id).Scan(&raw); err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// decode 解析通知负载；只带主键的负载回表读取当前行，行已不存在时返回 ok=false。
func (f *PGFeed) decode(ctx context.Context, payload string) (Change, bool, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, false, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	if c.Ref == "" || len(c.NewRow) > 0 || c.Event == Delete {
		return c, true, nil
	}
	row, err := f.fetch(ctx, c.Table, c.Ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, false, nil
	}
	if err != nil {
		return c, false, fmt.Errorf("fetch %s row %s: %w", c.Table, c.Ref, err)
	}
	c.NewRow = row
	return c, true, nil
}

func (f *PGFeed) Subscribe(ctx context.Context, table string, filter Filter, h Handler) (Subscription, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire: %v", notify.ErrDownstreamUnavailable, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: listen: %v", notify.ErrDownstreamUnavailable, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := newSubscription(cancel)
	go func() {
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					s.finish(nil)
				} else {
					s.finish(fmt.Errorf("%w: %v", notify.ErrDownstreamUnavailable, err))
				}
				return
			}
			if !payloadForTable(n.Payload, table) {
				continue
			}
			c, ok, err := f.decode(ctx, n.Payload)
			if err != nil {
				f.log.Warn().Err(err).Str("table", table).Msg("decode notification payload")
				continue
			}
			if !ok || !filter.Match(c) {
				continue
			}
			h(c)
		}
	}()
	return s, nil
}

// payloadForTable 在完整解码前按表名筛选，避免为其他表的行回表读取。
func payloadForTable(payload, table string) bool {
	var head struct {
		Table string `json:"table"`
	}
	return json.Unmarshal([]byte(payload), &head) == nil && head.Table == table
}

// maxNotifyPayload 低于 Postgres 8000 字节的 NOTIFY 上限。超出时触发器只发送主键，
// 否则 pg_notify 报错会回滚触发它的写入。
const maxNotifyPayload = 7900

var triggerFunction = `
CREATE OR REPLACE FUNCTION notify_table_change() RETURNS trigger AS $$
DECLARE
	payload text;
BEGIN
	payload := json_build_object(
		'op', TG_OP,
		'schema', TG_TABLE_SCHEMA,
		'table', TG_TABLE_NAME,
		'new', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
		'old', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END,
		'at', now()
	)::text;
	IF octet_length(payload) > ` + strconv.Itoa(maxNotifyPayload) + ` THEN
		payload := json_build_object(
			'op', TG_OP,
			'schema', TG_TABLE_SCHEMA,
			'table', TG_TABLE_NAME,
			'id', CASE WHEN TG_OP = 'DELETE' THEN row_to_json(OLD)->>'id' ELSE row_to_json(NEW)->>'id' END,
			'at', now()
		)::text;
	END IF;
	PERFORM pg_notify('table_changes', payload);
	RETURN COALESCE(NEW, OLD);
END;
$$ LANGUAGE plpgsql`

// InstallTriggers 为已存在的表安装变更触发器；不存在的表只记录日志并跳过。
func InstallTriggers(ctx context.Context, pool *pgxpool.Pool, tables []string) error {
	log := clog.Component("changefeed")
	if _, err := pool.Exec(ctx, triggerFunction); err != nil {
		return fmt.Errorf("create trigger function: %w", err)
	}
	for _, t := range tables {
		var exists bool
		if err := pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", t).Scan(&exists); err != nil {
			return fmt.Errorf("check table %s: %w", t, err)
		}
		if !exists {
			log.Warn().Str("table", t).Msg("table missing, trigger not installed")
			continue
		}
		ident := pgx.Identifier{t}.Sanitize()
		if _, err := pool.Exec(ctx, "DROP TRIGGER IF EXISTS table_changes_notify ON "+ident); err != nil {
			return fmt.Errorf("drop trigger on %s: %w", t, err)
		}
		stmt := "CREATE TRIGGER table_changes_notify AFTER INSERT OR UPDATE OR DELETE ON " + ident +
			" FOR EACH ROW EXECUTE FUNCTION notify_table_change()"
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("install trigger on %s: %w", t, err)
		}
		log.Info().Str("table", t).Msg("change trigger installed")
	}
	return nil
}
