package dispatcher

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/queue"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/pkg/logger"
)

// Tick 执行一次轮询：读取链头、检查重组、扫描新区块、重新关联停放事件、
// 分发已确认的事件并推进游标。
func (d *Dispatcher) Tick(ctx context.Context) error {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	if err := d.resume(ctx); err != nil {
		return err
	}
	head, err := d.chain.LatestHead(ctx)
	if err != nil {
		return err
	}
	d.metrics.SetHead(head.Number)
	if d.fromHead {
		cursor := ledger.Cursor{Name: d.opts.Name, Block: head.Number, Hash: head.Hash.Hex(), UpdatedAt: d.now().Unix()}
		if err := d.store.SaveCursor(ctx, cursor); err != nil {
			return err
		}
		d.cursor = cursor
		d.scanned = head.Number
		d.fromHead = false
		d.metrics.SetCursor(cursor.Block)
	}
	defer func() { d.publishStatus(head.Number) }()

	proceed, err := d.checkReorg(ctx, head)
	if err != nil || !proceed {
		return err
	}
	if err := d.scan(ctx, head); err != nil {
		return err
	}
	if err := d.retryParked(ctx); err != nil {
		return err
	}
	if err := d.dispatchReady(ctx, head); err != nil {
		return err
	}
	return d.advanceCursor(ctx, head.Number)
}

// resume 在第一次轮询时加载游标和跟踪区块。
func (d *Dispatcher) resume(ctx context.Context) error {
	if d.resumed {
		return nil
	}
	cursor, ok, err := d.store.LoadCursor(ctx, d.opts.Name)
	if err != nil {
		return err
	}
	switch {
	case ok:
		d.cursor = cursor
	case d.opts.StartBlock > 0:
		d.cursor = ledger.Cursor{Name: d.opts.Name, Block: d.opts.StartBlock - 1}
	default:
		d.cursor = ledger.Cursor{Name: d.opts.Name}
		d.fromHead = true
	}
	d.scanned = d.cursor.Block

	tracked, err := d.store.Blocks(ctx, d.opts.Name)
	if err != nil {
		return err
	}
	d.tracked = tracked
	d.resumed = true
	d.metrics.SetCursor(d.cursor.Block)
	d.logger.Info("从游标恢复扫描",
		slog.String("name", d.opts.Name),
		slog.Uint64("cursor", d.cursor.Block),
		slog.Bool("from_head", d.fromHead),
		slog.Int("tracked_blocks", len(d.tracked)),
	)
	return nil
}

// checkReorg 对比最高的跟踪区块与规范链。返回 false 表示节点落后于已扫描位置，本轮跳过。
func (d *Dispatcher) checkReorg(ctx context.Context, head web3.Head) (bool, error) {
	if len(d.tracked) == 0 {
		return true, nil
	}
	idx := len(d.tracked) - 1
	for idx >= 0 && d.tracked[idx].Number > head.Number {
		idx--
	}
	if idx < 0 {
		d.logger.Warn("节点链头落后于已扫描区块，跳过本轮",
			slog.Uint64("head", head.Number),
			slog.Uint64("scanned", d.scanned),
		)
		return false, nil
	}

	ref := d.tracked[idx]
	canon, err := d.chain.HeaderAt(ctx, ref.Number)
	if err != nil {
		return false, err
	}
	if sameHash(ref.Hash, canon.Hash) {
		if idx < len(d.tracked)-1 {
			// 节点暂时落后，更高的区块等追上后再检查。
			return false, nil
		}
		return true, nil
	}

	fork, canonical, err := d.findForkPoint(ctx, head)
	if err != nil {
		return false, err
	}
	return true, d.rollback(ctx, fork, canonical)
}

// findForkPoint 在 MaxReorgDepth 窗口内回溯，返回第一个不在规范链上的高度。
func (d *Dispatcher) findForkPoint(ctx context.Context, head web3.Head) (uint64, map[uint64]common.Hash, error) {
	window := d.tracked
	if uint64(len(window)) > d.opts.MaxReorgDepth {
		window = window[uint64(len(window))-d.opts.MaxReorgDepth:]
	}
	numbers := make([]uint64, 0, len(window))
	for _, ref := range window {
		if ref.Number <= head.Number {
			numbers = append(numbers, ref.Number)
		}
	}
	heads, err := d.chain.HeadersAt(ctx, numbers)
	if err != nil {
		return 0, nil, err
	}
	canonical := make(map[uint64]common.Hash, len(heads))
	for _, h := range heads {
		canonical[h.Number] = h.Hash
	}

	fork := window[0].Number
	for i := len(window) - 1; i >= 0; i-- {
		hash, ok := canonical[window[i].Number]
		if ok && sameHash(window[i].Hash, hash) {
			fork = window[i].Number + 1
			break
		}
	}
	if fork == window[0].Number {
		d.logger.Error("重组深度超过跟踪窗口",
			slog.Uint64("window_start", window[0].Number),
			slog.Uint64("max_reorg_depth", d.opts.MaxReorgDepth),
		)
	}
	return fork, canonical, nil
}

// rollback 处理 fork 及以上高度的全部记录并回退扫描位置。
func (d *Dispatcher) rollback(ctx context.Context, fork uint64, canonical map[uint64]common.Hash) error {
	cancelled := d.scopes.cancelFrom(fork, errBlockReorged)
	reason := fmt.Sprintf("block reorganized at height %d", fork)

	var orphaned, reversed int
	opts := ledger.BuildListOptions(
		ledger.WithBlockRange(fork, 0),
		ledger.WithSortOrder(ledger.SortByChainPosition),
		ledger.WithLimit(200),
	)
	for {
		records, err := d.store.List(ctx, opts)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if hash, ok := canonical[rec.BlockNumber]; ok && sameHash(rec.BlockHash, hash) {
				continue
			}
			switch {
			case rec.Status.Unsettled():
				err := d.store.Orphan(ctx, rec.EventID, reason)
				if err == nil {
					orphaned++
					d.metrics.Reorg("rollback")
					continue
				}
				if !stdErrors.Is(err, ledger.ErrRecordSettled) {
					if isTransitionError(err) {
						continue
					}
					return err
				}
				// 处理器恰好在回滚前完成了结算，按终态记录处理。
				current, getErr := d.store.Get(ctx, rec.EventID)
				if getErr != nil {
					return getErr
				}
				rec = current
				fallthrough
			case rec.Status.Terminal():
				if rec.Reorged {
					continue
				}
				if err := d.markReversed(ctx, rec, reason); err != nil {
					return err
				}
				reversed++
			}
		}
		if len(records) < opts.Limit {
			break
		}
		opts.Offset += len(records)
	}

	if err := d.store.DeleteBlocksFrom(ctx, d.opts.Name, fork); err != nil {
		return err
	}
	kept := d.tracked[:0]
	for _, ref := range d.tracked {
		if ref.Number < fork {
			kept = append(kept, ref)
		}
	}
	d.tracked = kept
	if d.scanned >= fork {
		d.scanned = fork - 1
	}
	if d.cursor.Block >= fork {
		d.cursor = ledger.Cursor{
			Name:      d.opts.Name,
			Block:     fork - 1,
			Hash:      d.trackedHash(fork - 1),
			UpdatedAt: d.now().Unix(),
		}
		if err := d.store.SaveCursor(ctx, d.cursor); err != nil {
			return err
		}
		d.metrics.SetCursor(d.cursor.Block)
	}

	d.logger.Warn("检测到链重组，已回滚",
		slog.Uint64("fork_block", fork),
		slog.Int("orphaned", orphaned),
		slog.Int("finality_reversals", reversed),
		slog.Int("cancelled_tasks", cancelled),
	)
	return nil
}

func (d *Dispatcher) markReversed(ctx context.Context, rec *ledger.Record, reason string) error {
	if err := d.store.MarkReorged(ctx, rec.EventID); err != nil {
		if isTransitionError(err) {
			return nil
		}
		return err
	}
	d.metrics.Reorg("finality_reversal")
	cause := xerrors.New(CodeFinalityReversal,
		fmt.Sprintf("event %s settled as %s but %s", rec.EventID, rec.Status, reason))
	logger.Audit().Error("已结算事件被重组",
		slog.String("event_id", rec.EventID),
		slog.String("request_id", rec.RequestID),
		slog.String("status", string(rec.Status)),
		slog.Uint64("block_number", rec.BlockNumber),
	)
	d.emitAlert(ctx, rec, CodeFinalityReversal, cause, "reorg")
	return nil
}

// scan 从 scanned+1 开始按批次扫描到链头。
func (d *Dispatcher) scan(ctx context.Context, head web3.Head) error {
	for d.scanned < head.Number {
		from := d.scanned + 1
		to := min(head.Number, d.scanned+d.opts.BatchSize)

		numbers := make([]uint64, 0, to-from+1)
		for n := from; n <= to; n++ {
			numbers = append(numbers, n)
		}
		headers, err := d.chain.HeadersAt(ctx, numbers)
		if err != nil {
			return err
		}
		if !d.linksToTracked(headers) {
			d.logger.Warn("新区块与已跟踪区块不连续，等待下一轮重组检查",
				slog.Uint64("from", from),
				slog.Uint64("to", to),
			)
			return nil
		}

		logs, err := d.chain.FilterLogs(ctx, d.contract.FilterQuery(from, to))
		if err != nil {
			return err
		}
		hashes := make(map[uint64]common.Hash, len(headers))
		for _, h := range headers {
			hashes[h.Number] = h.Hash
		}
		live := logs[:0]
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			if hashes[lg.BlockNumber] != lg.BlockHash {
				// 读取日志期间链发生了变化
				d.logger.Warn("日志所在区块与区块头不一致，稍后重试",
					slog.Uint64("block_number", lg.BlockNumber),
					slog.String("log_block_hash", lg.BlockHash.Hex()),
				)
				return nil
			}
			live = append(live, lg)
		}
		sort.Slice(live, func(i, j int) bool {
			if live[i].BlockNumber != live[j].BlockNumber {
				return live[i].BlockNumber < live[j].BlockNumber
			}
			return live[i].Index < live[j].Index
		})
		for _, lg := range live {
			if err := d.observe(ctx, lg); err != nil {
				return err
			}
		}

		refs := make([]ledger.BlockRef, 0, len(headers))
		for _, h := range headers {
			refs = append(refs, ledger.BlockRef{
				Number:     h.Number,
				Hash:       h.Hash.Hex(),
				ParentHash: h.ParentHash.Hex(),
			})
		}
		if err := d.store.SaveBlocks(ctx, d.opts.Name, refs); err != nil {
			return err
		}
		d.appendTracked(refs)
		d.scanned = to
	}
	return nil
}

func (d *Dispatcher) linksToTracked(headers []web3.Head) bool {
	if len(headers) == 0 {
		return false
	}
	if n := len(d.tracked); n > 0 {
		top := d.tracked[n-1]
		if top.Number+1 == headers[0].Number && !sameHash(top.Hash, headers[0].ParentHash) {
			return false
		}
	}
	for i := 1; i < len(headers); i++ {
		if headers[i].ParentHash != headers[i-1].Hash {
			return false
		}
	}
	return true
}

func (d *Dispatcher) appendTracked(refs []ledger.BlockRef) {
	if len(refs) == 0 {
		return
	}
	first := refs[0].Number
	kept := d.tracked[:0]
	for _, ref := range d.tracked {
		if ref.Number < first {
			kept = append(kept, ref)
		}
	}
	d.tracked = append(kept, refs...)
}

// observe 解码日志、尝试关联并写入账本。
func (d *Dispatcher) observe(ctx context.Context, lg types.Log) error {
	ev, err := d.contract.DecodeEvent(lg)
	if err != nil {
		d.metrics.EventObserved("undecodable")
		d.logger.Warn("无法解码支付事件",
			slog.String("tx_hash", lg.TxHash.Hex()),
			slog.Uint64("log_index", uint64(lg.Index)),
			slog.Any("error", err),
		)
		return nil
	}

	rec := ledger.NewRecord(ev, ledger.StatusParked, d.opts.MaxRetries)
	req, reason, err := d.correlate(ctx, ev.CorrelationID, ev.To, ev.Amount)
	if err != nil {
		return err
	}
	if req != nil {
		rec.Status = ledger.StatusPending
		rec.RequestID = req.RequestID
		rec.TaskName = req.TaskName
	} else {
		rec.LastError = reason
		rec.ErrorCode = string(CodeCorrelationFailed)
	}

	stored, inserted, err := d.store.Observe(ctx, rec)
	if err != nil {
		return err
	}
	if !inserted {
		d.metrics.EventObserved("duplicate")
		d.logger.Debug("事件已记录，跳过",
			slog.String("event_id", stored.EventID),
			slog.String("status", string(stored.Status)),
		)
		return nil
	}

	d.metrics.EventObserved(string(stored.Status))
	logger.Audit().Info("观察到支付事件",
		slog.String("event_id", stored.EventID),
		slog.String("request_id", stored.RequestID),
		slog.String("status", string(stored.Status)),
		slog.Uint64("block_number", stored.BlockNumber),
		slog.String("amount_wei", stored.AmountWei),
	)
	if stored.Status == ledger.StatusParked {
		d.emitAlert(ctx, stored, CodeCorrelationFailed, xerrors.New(CodeCorrelationFailed, reason), "observe")
	}
	return nil
}

// correlate 通过关联 ID 查找请求并校验收款方和金额。返回 nil 请求时 reason 说明原因。
func (d *Dispatcher) correlate(ctx context.Context, correlationID common.Hash, to common.Address, amount *big.Int) (*payment.PaymentRequest, string, error) {
	req, err := d.store.FindRequestByCorrelation(ctx, correlationID)
	if err != nil {
		if stdErrors.Is(err, ledger.ErrRequestNotFound) {
			return nil, fmt.Sprintf("no payment request for correlation id %s", correlationID.Hex()), nil
		}
		return nil, "", err
	}
	if !strings.EqualFold(req.ToAgent, to.Hex()) {
		return nil, fmt.Sprintf("recipient %s does not match request %s payee %s", to.Hex(), req.RequestID, req.ToAgent), nil
	}
	if req.Amount.Wei != nil && (amount == nil || amount.Cmp(req.Amount.Wei) < 0) {
		return nil, fmt.Sprintf("amount %s below requested %s for request %s", amount, req.Amount.Wei, req.RequestID), nil
	}
	return req, "", nil
}

// retryParked 重新关联停放的事件，超时的记为失败。
func (d *Dispatcher) retryParked(ctx context.Context) error {
	records, err := d.store.List(ctx, ledger.BuildListOptions(
		ledger.WithStatuses(ledger.StatusParked),
		ledger.WithSortOrder(ledger.SortByChainPosition),
		ledger.WithLimit(d.opts.DispatchLimit),
	))
	if err != nil {
		return err
	}
	now := d.now()
	for _, rec := range records {
		amount, _ := new(big.Int).SetString(rec.AmountWei, 10)
		req, reason, err := d.correlate(ctx, common.HexToHash(rec.CorrelationID), common.HexToAddress(rec.Payee), amount)
		if err != nil {
			return err
		}
		if req != nil {
			if err := d.store.Resolve(ctx, rec.EventID, req.RequestID, req.TaskName); err != nil {
				if isTransitionError(err) {
					continue
				}
				return err
			}
			logger.Audit().Info("停放事件已关联",
				slog.String("event_id", rec.EventID),
				slog.String("request_id", req.RequestID),
			)
			continue
		}

		if now.Unix()-rec.CreatedAt < int64(d.opts.ParkTimeout.Seconds()) {
			continue
		}
		err = d.store.MarkFailed(ctx, rec.EventID, ledger.Failure{
			Code:     CodeCorrelationTimeout,
			Message:  reason,
			Terminal: true,
		})
		if err != nil {
			if isTransitionError(err) {
				continue
			}
			return err
		}
		d.metrics.Dispatch("correlation_timeout")
		logger.Audit().Warn("停放事件关联超时",
			slog.String("event_id", rec.EventID),
			slog.String("reason", reason),
		)
		d.emitAlert(ctx, rec, CodeCorrelationTimeout, xerrors.New(CodeCorrelationTimeout, reason), "park_timeout")
	}

	stats, err := d.store.Stats(ctx, ledger.BuildListOptions(ledger.WithStatuses(ledger.StatusParked)))
	if err != nil {
		return err
	}
	d.metrics.SetParked(stats.Parked)
	return nil
}

// dispatchReady 领取达到确认深度且到期的 pending 记录并投递到队列。
func (d *Dispatcher) dispatchReady(ctx context.Context, head web3.Head) error {
	if head.Number <= d.opts.FinalityDepth {
		return nil
	}
	final := head.Number - d.opts.FinalityDepth
	records, err := d.store.List(ctx, ledger.BuildListOptions(
		ledger.WithStatuses(ledger.StatusPending),
		ledger.WithBlockRange(0, final),
		ledger.WithDueBefore(d.now()),
		ledger.WithSortOrder(ledger.SortByChainPosition),
		ledger.WithLimit(d.opts.DispatchLimit),
	))
	if err != nil || len(records) == 0 {
		return err
	}

	canonical, err := d.canonicalHashes(ctx, records)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if hash, ok := canonical[rec.BlockNumber]; !ok || !sameHash(rec.BlockHash, hash) {
			if err := d.store.Orphan(ctx, rec.EventID, "block no longer canonical"); err != nil && !isTransitionError(err) {
				return err
			}
			d.metrics.Reorg("stale_block")
			continue
		}

		claimed, err := d.store.Claim(ctx, rec.EventID)
		if err != nil {
			if isTransitionError(err) {
				continue
			}
			return err
		}
		if err := queue.PublishTimeout(ctx, d.queue, encodeMessage(claimed.EventID, claimed.ClaimToken), d.opts.PublishTimeout); err != nil {
			d.metrics.Dispatch("publish_failed")
			if relErr := d.store.Release(context.WithoutCancel(ctx), claimed.EventID); relErr != nil && !isTransitionError(relErr) {
				d.logger.Error("投递失败后退回记录出错", slog.String("event_id", claimed.EventID), slog.Any("error", relErr))
			}
			return xerrors.Wrap(CodePublishFailed, err, fmt.Sprintf("事件 %s 投递失败", claimed.EventID))
		}
		d.metrics.Dispatch("dispatched")
		logger.Audit().Info("事件已分发",
			slog.String("event_id", claimed.EventID),
			slog.String("request_id", claimed.RequestID),
			slog.String("task", claimed.TaskName),
			slog.Int("attempt", claimed.Attempts),
		)
	}
	return nil
}

// canonicalHashes 返回记录所在高度的规范区块哈希，优先使用跟踪区块。
func (d *Dispatcher) canonicalHashes(ctx context.Context, records []*ledger.Record) (map[uint64]common.Hash, error) {
	hashes := make(map[uint64]common.Hash, len(records))
	tracked := make(map[uint64]string, len(d.tracked))
	for _, ref := range d.tracked {
		tracked[ref.Number] = ref.Hash
	}
	var missing []uint64
	for _, rec := range records {
		if _, ok := hashes[rec.BlockNumber]; ok {
			continue
		}
		if hash, ok := tracked[rec.BlockNumber]; ok {
			hashes[rec.BlockNumber] = common.HexToHash(hash)
			continue
		}
		hashes[rec.BlockNumber] = common.Hash{}
		missing = append(missing, rec.BlockNumber)
	}
	if len(missing) > 0 {
		heads, err := d.chain.HeadersAt(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, h := range heads {
			hashes[h.Number] = h.Hash
		}
	}
	return hashes, nil
}

// advanceCursor 将游标推进到 min(head - depth, scanned, 最低未结算区块 - 1)，并裁剪跟踪区块。
func (d *Dispatcher) advanceCursor(ctx context.Context, head uint64) error {
	if head < d.opts.FinalityDepth {
		return nil
	}
	candidate := min(head-d.opts.FinalityDepth, d.scanned)
	lowest, ok, err := d.store.LowestUnsettledBlock(ctx)
	if err != nil {
		return err
	}
	if ok {
		if lowest == 0 {
			return nil
		}
		candidate = min(candidate, lowest-1)
	}

	if candidate > d.cursor.Block {
		cursor := ledger.Cursor{
			Name:      d.opts.Name,
			Block:     candidate,
			Hash:      d.trackedHash(candidate),
			UpdatedAt: d.now().Unix(),
		}
		if err := d.store.SaveCursor(ctx, cursor); err != nil {
			return err
		}
		d.cursor = cursor
		d.metrics.SetCursor(cursor.Block)
	}

	if head <= d.opts.MaxReorgDepth {
		return nil
	}
	keepFrom := min(d.cursor.Block+1, head-d.opts.MaxReorgDepth)
	if len(d.tracked) == 0 || d.tracked[0].Number >= keepFrom {
		return nil
	}
	if err := d.store.PruneBlocksBelow(ctx, d.opts.Name, keepFrom); err != nil {
		return err
	}
	kept := d.tracked[:0]
	for _, ref := range d.tracked {
		if ref.Number >= keepFrom {
			kept = append(kept, ref)
		}
	}
	d.tracked = kept
	return nil
}

func (d *Dispatcher) trackedHash(number uint64) string {
	for i := len(d.tracked) - 1; i >= 0; i-- {
		if d.tracked[i].Number == number {
			return d.tracked[i].Hash
		}
	}
	return ""
}

func sameHash(stored string, hash common.Hash) bool {
	return strings.EqualFold(stored, hash.Hex())
}
