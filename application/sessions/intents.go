package sessions

import (
	"context"
	"sort"

	"papervault/application/commands"
	"papervault/application/reconcile"
	"papervault/application/sagas"
	"papervault/domain/core/aggregates"
	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
	"papervault/domain/events"
	pkgerrors "papervault/pkg/errors"

	"go.uber.org/zap"
)

func (s *VaultSession) dispatch(ctx context.Context, m reconcile.Mutation) (*reconcile.Pending, error) {
	if p := s.Phase(); p != PhaseReady {
		return nil, pkgerrors.NewConflictError("vault session is " + string(p))
	}
	m.ActorID = s.cfg.Creds.UserID
	return s.engine.Dispatch(ctx, m)
}

func parseID(raw, what string) (valueobjects.RecordID, error) {
	id, err := valueobjects.ParseRecordID(raw)
	if err != nil {
		return valueobjects.RecordID{}, pkgerrors.NewValidationError("invalid " + what + " id")
	}
	return id, nil
}

func (s *VaultSession) require(st *aggregates.VaultState, key aggregates.Key) (entities.Record, error) {
	r, ok := st.Get(key)
	if !ok {
		return nil, pkgerrors.NewNotFoundError(string(key.Collection))
	}
	return r, nil
}

// createMutation builds the mutation for a brand-new provisional record.
func (s *VaultSession) createMutation(rec entities.Record, action entities.ActionKind) reconcile.Mutation {
	store := s.cfg.Store
	return reconcile.Mutation{
		Kind:   reconcile.KindCreate,
		Target: aggregates.KeyOf(rec),
		Action: action,
		Apply: func(st *aggregates.VaultState) (*aggregates.VaultState, error) {
			for _, ref := range rec.References() {
				if !st.Has(aggregates.Key{Collection: ref.Collection, ID: ref.ID}) {
					return nil, pkgerrors.NewNotFoundError(string(ref.Collection))
				}
			}
			return st.Put(rec), nil
		},
		Remote: func(ctx context.Context, resolve reconcile.Resolver) (reconcile.Outcome, error) {
			payload, err := resolveReferences(ctx, resolve, rec)
			if err != nil {
				return reconcile.Outcome{}, err
			}
			stored, err := store.Create(ctx, payload)
			if err != nil {
				return reconcile.Outcome{}, err
			}
			return reconcile.Outcome{Replacements: map[valueobjects.RecordID]entities.Record{rec.RecordID(): stored}}, nil
		},
	}
}

// updateMutation replaces the record at key with change(record) and writes
// the given columns.
func (s *VaultSession) updateMutation(key aggregates.Key, action entities.ActionKind, columns []string,
	change func(entities.Record) (entities.Record, error)) reconcile.Mutation {
	store := s.cfg.Store
	var updated entities.Record
	return reconcile.Mutation{
		Kind:   reconcile.KindUpdate,
		Target: key,
		Action: action,
		Apply: func(st *aggregates.VaultState) (*aggregates.VaultState, error) {
			cur, err := s.require(st, key)
			if err != nil {
				return nil, err
			}
			next, err := change(cur)
			if err != nil {
				return nil, err
			}
			updated = next
			return st.Put(next), nil
		},
		Remote: func(ctx context.Context, resolve reconcile.Resolver) (reconcile.Outcome, error) {
			id, err := resolve.Durable(ctx, key.ID)
			if err != nil {
				return reconcile.Outcome{}, err
			}
			payload, err := resolveReferences(ctx, resolve, updated.WithID(id))
			if err != nil {
				return reconcile.Outcome{}, err
			}
			stored, err := store.Update(ctx, payload, columns...)
			if err != nil {
				return reconcile.Outcome{}, err
			}
			return reconcile.Outcome{Records: []entities.Record{stored}}, nil
		},
	}
}

// deleteMutation removes the record at key and everything depending on it.
func (s *VaultSession) deleteMutation(key aggregates.Key, action entities.ActionKind) reconcile.Mutation {
	store := s.cfg.Store
	return reconcile.Mutation{
		Kind:   reconcile.KindDelete,
		Target: key,
		Action: action,
		Apply: func(st *aggregates.VaultState) (*aggregates.VaultState, error) {
			if _, err := s.require(st, key); err != nil {
				return nil, err
			}
			return st.RemoveCascade(key), nil
		},
		Remote: func(ctx context.Context, resolve reconcile.Resolver) (reconcile.Outcome, error) {
			id, err := resolve.Durable(ctx, key.ID)
			if err != nil {
				return reconcile.Outcome{}, err
			}
			return reconcile.Outcome{}, store.Delete(ctx, key.Collection, id)
		},
	}
}

// resolveReferences swaps every provisional reference of rec for the durable
// id of the record it points at.
func resolveReferences(ctx context.Context, resolve reconcile.Resolver, rec entities.Record) (entities.Record, error) {
	for _, ref := range rec.References() {
		if !ref.ID.IsProvisional() {
			continue
		}
		id, err := resolve.Durable(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		rec = rec.RewriteReference(ref.ID, id)
	}
	return rec, nil
}

// CreatePaper adds a paper optimistically.
func (s *VaultSession) CreatePaper(ctx context.Context, cmd commands.CreatePaper) (*reconcile.Pending, error) {
	if err := commands.Validate(cmd); err != nil {
		return nil, err
	}
	now := s.cfg.Clock.Now()
	p, err := entities.NewPaper(s.cfg.VaultID, s.cfg.Creds.UserID, cmd.Title, now)
	if err != nil {
		return nil, err
	}
	p.Authors = cmd.Authors
	p.Year = cmd.Year
	p.DOI = entities.NormalizeDOI(cmd.DOI)
	p.Journal = cmd.Journal
	p.Abstract = cmd.Abstract
	p.URL = cmd.URL
	p.Notes = cmd.Notes

	pending, err := s.dispatch(ctx, s.createMutation(p, entities.ActionPaperAdded))
	if err != nil {
		return nil, err
	}
	if p.DOI != "" {
		s.scheduleDuplicateCheck(p.ID, p.DOI)
	}
	return pending, nil
}

func paperColumns(cmd commands.UpdatePaper) (entities.PaperFields, []string) {
	var f entities.PaperFields
	var cols []string
	set := func(ok bool, col string) {
		if ok {
			cols = append(cols, col)
		}
	}
	f.Title, f.Authors, f.Year, f.DOI = cmd.Title, cmd.Authors, cmd.Year, cmd.DOI
	f.Journal, f.Abstract, f.URL, f.Notes = cmd.Journal, cmd.Abstract, cmd.URL, cmd.Notes
	set(cmd.Title != nil, "title")
	set(cmd.Authors != nil, "authors")
	set(cmd.Year != nil, "year")
	set(cmd.DOI != nil, "doi")
	set(cmd.Journal != nil, "journal")
	set(cmd.Abstract != nil, "abstract")
	set(cmd.URL != nil, "url")
	set(cmd.Notes != nil, "notes")
	if len(cols) > 0 {
		cols = append(cols, "last_edited_by", "updated_at")
	}
	return f, cols
}

// UpdatePaper changes the given fields of a paper.
func (s *VaultSession) UpdatePaper(ctx context.Context, cmd commands.UpdatePaper) (*reconcile.Pending, error) {
	if err := commands.Validate(cmd); err != nil {
		return nil, err
	}
	id, err := parseID(cmd.PaperID, "paper")
	if err != nil {
		return nil, err
	}
	fields, cols := paperColumns(cmd)
	if len(cols) == 0 {
		return nil, pkgerrors.NewValidationError("nothing to update")
	}
	actor, now := s.cfg.Creds.UserID, s.cfg.Clock.Now()
	m := s.updateMutation(aggregates.Key{Collection: entities.CollectionPapers, ID: id}, entities.ActionPaperUpdated, cols,
		func(r entities.Record) (entities.Record, error) {
			return r.(entities.Paper).Apply(fields, actor, now)
		})

	pending, err := s.dispatch(ctx, m)
	if err != nil {
		return nil, err
	}
	if cmd.DOI != nil && *cmd.DOI != "" {
		s.scheduleDuplicateCheck(id, *cmd.DOI)
	}
	return pending, nil
}

// DeletePaper removes a paper with its tag assignments and relations.
func (s *VaultSession) DeletePaper(ctx context.Context, cmd commands.DeletePaper) (*reconcile.Pending, error) {
	if err := commands.Validate(cmd); err != nil {
		return nil, err
	}
	id, err := parseID(cmd.PaperID, "paper")
	if err != nil {
		return nil, err
	}
	s.debouncer.Cancel(notesKey(s.stableID(id)))
	return s.dispatch(ctx, s.deleteMutation(aggregates.Key{Collection: entities.CollectionPapers, ID: id}, entities.ActionPaperDeleted))
}

func notesKey(id valueobjects.RecordID) string { return "notes:" + id.String() }
func doiKey(id valueobjects.RecordID) string   { return "doi:" + id.String() }

// stableID returns the durable id of a paper whose create has settled, so
// that edits made under either id share one deferred task.
func (s *VaultSession) stableID(id valueobjects.RecordID) valueobjects.RecordID {
	if durable, ok := s.engine.Known(id); ok && !durable.IsZero() {
		return durable
	}
	return id
}

// AutosaveNotes defers saving a paper's notes. Each call restarts the delay;
// only the last edit is written.
func (s *VaultSession) AutosaveNotes(cmd commands.AutosaveNotes) error {
	if err := commands.Validate(cmd); err != nil {
		return err
	}
	id, err := parseID(cmd.PaperID, "paper")
	if err != nil {
		return err
	}
	id = s.stableID(id)
	if !s.State().Has(aggregates.Key{Collection: entities.CollectionPapers, ID: id}) {
		return pkgerrors.NewNotFoundError("paper")
	}
	notes := cmd.Notes
	s.debouncer.Schedule(notesKey(id), s.currentTiming().AutosaveDelay, func() {
		target := id
		if durable, ok := s.engine.Known(id); ok {
			target = durable
		}
		_, err := s.UpdatePaper(s.ctx, commands.UpdatePaper{PaperID: target.String(), Notes: &notes})
		if err != nil {
			s.logger.Warn("Autosave dispatch failed", zap.String("paper_id", cmd.PaperID), zap.Error(err))
			appErr := pkgerrors.Classify(err)
			s.emit(events.NewMutationFailed(s.cfg.VaultID, "", entities.ActionPaperUpdated,
				pkgerrors.UserMessage(appErr), string(appErr.Type), s.cfg.Clock.Now()))
		}
	})
	return nil
}

// FindDuplicates returns the papers of the vault whose DOI matches doi,
// excluding the paper with id exclude.
func (s *VaultSession) FindDuplicates(doi string, exclude valueobjects.RecordID) []entities.Paper {
	doi = entities.NormalizeDOI(doi)
	if doi == "" {
		return nil
	}
	var out []entities.Paper
	for _, r := range s.State().Where(entities.CollectionPapers, func(r entities.Record) bool {
		p := r.(entities.Paper)
		return p.ID != exclude && entities.NormalizeDOI(p.DOI) == doi
	}) {
		out = append(out, r.(entities.Paper))
	}
	return out
}

// CheckDuplicateDOI schedules a duplicate check; matches are reported as a
// duplicate_detected event.
func (s *VaultSession) CheckDuplicateDOI(cmd commands.CheckDuplicateDOI) error {
	if err := commands.Validate(cmd); err != nil {
		return err
	}
	var id valueobjects.RecordID
	if cmd.PaperID != "" {
		parsed, err := parseID(cmd.PaperID, "paper")
		if err != nil {
			return err
		}
		id = parsed
	}
	s.scheduleDuplicateCheck(id, cmd.DOI)
	return nil
}

func (s *VaultSession) scheduleDuplicateCheck(id valueobjects.RecordID, doi string) {
	s.debouncer.Schedule(doiKey(s.stableID(id)), s.currentTiming().DuplicateCheckDelay, func() {
		dups := s.FindDuplicates(doi, id)
		// A just-created paper may carry its durable id by now.
		self := id
		if durable, ok := s.engine.Known(id); ok {
			self = durable
		}
		var ids []string
		for _, p := range dups {
			if p.ID == self {
				continue
			}
			ids = append(ids, p.ID.String())
		}
		if len(ids) == 0 {
			return
		}
		sort.Strings(ids)
		s.emit(events.NewDuplicateDetected(s.cfg.VaultID, entities.NormalizeDOI(doi), ids, s.cfg.Clock.Now()))
	})
}

// ApplyTags makes cmd.TagIDs the exact tag set of a paper.
func (s *VaultSession) ApplyTags(ctx context.Context, cmd commands.ApplyTags) (*reconcile.Pending, error) {
	if err := commands.Validate(cmd); err != nil {
		return nil, err
	}
	paperID, err := parseID(cmd.PaperID, "paper")
	if err != nil {
		return nil, err
	}
	desired := make(map[valueobjects.RecordID]bool, len(cmd.TagIDs))
	var order []valueobjects.RecordID
	for _, raw := range cmd.TagIDs {
		tid, err := parseID(raw, "tag")
		if err != nil {
			return nil, err
		}
		if !desired[tid] {
			desired[tid] = true
			order = append(order, tid)
		}
	}

	actor, now := s.cfg.Creds.UserID, s.cfg.Clock.Now()
	var added []entities.PaperTag
	var removed []entities.PaperTag
	store := s.cfg.Store

	m := reconcile.Mutation{
		Kind: reconcile.KindCustom,
		// The tag set of a paper is tracked as its own ledger entry so that it
		// does not share rollback with edits of the paper itself.
		Target: aggregates.Key{Collection: entities.CollectionPaperTags, ID: paperID},
		Action: entities.ActionTagsApplied,
		Apply: func(st *aggregates.VaultState) (*aggregates.VaultState, error) {
			if _, err := s.require(st, aggregates.Key{Collection: entities.CollectionPapers, ID: paperID}); err != nil {
				return nil, err
			}
			current := map[valueobjects.RecordID]bool{}
			next := st
			for _, r := range st.Where(entities.CollectionPaperTags, func(r entities.Record) bool {
				return r.(entities.PaperTag).PaperID == paperID
			}) {
				pt := r.(entities.PaperTag)
				current[pt.TagID] = true
				if !desired[pt.TagID] {
					removed = append(removed, pt)
					next = next.Remove(aggregates.KeyOf(pt))
				}
			}
			for _, tid := range order {
				if current[tid] {
					continue
				}
				if !st.Has(aggregates.Key{Collection: entities.CollectionTags, ID: tid}) {
					return nil, pkgerrors.NewNotFoundError("tag")
				}
				pt, err := entities.NewPaperTag(s.cfg.VaultID, actor, paperID, tid, now)
				if err != nil {
					return nil, err
				}
				added = append(added, pt)
				next = next.Put(pt)
			}
			return next, nil
		},
		Remote: func(ctx context.Context, resolve reconcile.Resolver) (reconcile.Outcome, error) {
			out := reconcile.Outcome{Replacements: map[valueobjects.RecordID]entities.Record{}}
			for _, pt := range removed {
				id, err := resolve.Durable(ctx, pt.ID)
				if err != nil {
					return out, err
				}
				if err := store.Delete(ctx, entities.CollectionPaperTags, id); err != nil {
					return out, err
				}
			}
			for _, pt := range added {
				payload, err := resolveReferences(ctx, resolve, pt)
				if err != nil {
					return out, err
				}
				stored, err := store.Create(ctx, payload)
				if err != nil {
					return out, err
				}
				out.Replacements[pt.ID] = stored
			}
			return out, nil
		},
	}
	return s.dispatch(ctx, m)
}

// CreateTag adds a tag.
func (s *VaultSession) CreateTag(ctx context.Context, cmd commands.CreateTag) (*reconcile.Pending, error) {
	if err := commands.Validate(cmd); err != nil {
		return nil, err
	}
	tag, err := entities.NewTag(s.cfg.VaultID, s.cfg.Creds.UserID, cmd.Name, cmd.Color, s.cfg.Clock.Now())
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, s.createMutation(tag, entities.ActionTagCreated))
}

// UpdateTag renames or recolors a tag.
func (s *VaultSession) UpdateTag(ctx context.Context, cmd commands.UpdateTag) (*reconcile.Pending, error) {
	if err := commands.Validate(cmd); err != nil {
		return nil, err
	}
	id, err := parseID(cmd.TagID, "tag")
	if err != nil {
		return nil, err
	}
	cols := []string{"last_edited_by", "updated_at"}
	if cmd.Name != nil {
		cols = append(cols, "name")
	}
	if cmd.Color != nil {
		cols = append(cols, "color")
	}
	actor, now := s.cfg.Creds.UserID, s.cfg.Clock.Now()
	return s.dispatch(ctx, s.updateMutation(aggregates.Key{Collection: entities.CollectionTags, ID: id}, entities.ActionTagUpdated, cols,
		func(r entities.Record) (entities.Record, error) {
			return r.(entities.Tag).Rename(cmd.Name, cmd.Color, actor, now)
		}))
}

// DeleteTag removes a tag and its assignments.
func (s *VaultSession) DeleteTag(ctx context.Context, cmd commands.DeleteTag) (*reconcile.Pending, error) {
	if err := commands.Validate(cmd); err != nil {
		return nil, err
	}
	id, err := parseID(cmd.TagID, "tag")
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, s.deleteMutation(aggregates.Key{Collection: entities.CollectionTags, ID: id}, entities.ActionTagDeleted))
}

// RelatePapers links two papers of the vault.
func (s *VaultSession) RelatePapers(ctx context.Context, cmd commands.RelatePapers) (*reconcile.Pending, error) {
	if err := commands.Validate(cmd); err != nil {
		return nil, err
	}
	source, err := parseID(cmd.SourceID, "paper")
	if err != nil {
		return nil, err
	}
	target, err := parseID(cmd.TargetID, "paper")
	if err != nil {
		return nil, err
	}
	rel, err := entities.NewPaperRelation(s.cfg.VaultID, s.cfg.Creds.UserID, source, target, cmd.RelationType, s.cfg.Clock.Now())
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, s.createMutation(rel, entities.ActionRelationAdded))
}

// UnrelatePapers removes a relation.
func (s *VaultSession) UnrelatePapers(ctx context.Context, cmd commands.UnrelatePapers) (*reconcile.Pending, error) {
	if err := commands.Validate(cmd); err != nil {
		return nil, err
	}
	id, err := parseID(cmd.RelationID, "relation")
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, s.deleteMutation(aggregates.Key{Collection: entities.CollectionRelations, ID: id}, entities.ActionRelationRemoved))
}

// ShareVault grants a user access.
func (s *VaultSession) ShareVault(ctx context.Context, cmd commands.ShareVault) (*reconcile.Pending, error) {
	if err := commands.Validate(cmd); err != nil {
		return nil, err
	}
	for _, r := range s.State().Records(entities.CollectionShares) {
		if r.(entities.VaultShare).UserID == cmd.UserID {
			return nil, pkgerrors.NewConflictError("vault is already shared with this user")
		}
	}
	share, err := entities.NewVaultShare(s.cfg.VaultID, s.cfg.Creds.UserID, cmd.UserID, entities.ShareRole(cmd.Role), s.cfg.Clock.Now())
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, s.createMutation(share, entities.ActionShareAdded))
}

// UpdateShareRole changes the role of a share.
func (s *VaultSession) UpdateShareRole(ctx context.Context, cmd commands.UpdateShareRole) (*reconcile.Pending, error) {
	if err := commands.Validate(cmd); err != nil {
		return nil, err
	}
	id, err := parseID(cmd.ShareID, "share")
	if err != nil {
		return nil, err
	}
	actor, now := s.cfg.Creds.UserID, s.cfg.Clock.Now()
	return s.dispatch(ctx, s.updateMutation(aggregates.Key{Collection: entities.CollectionShares, ID: id}, entities.ActionShareUpdated,
		[]string{"role", "last_edited_by", "updated_at"},
		func(r entities.Record) (entities.Record, error) {
			return r.(entities.VaultShare).WithRole(entities.ShareRole(cmd.Role), actor, now)
		}))
}

// RevokeShare removes a share.
func (s *VaultSession) RevokeShare(ctx context.Context, cmd commands.RevokeShare) (*reconcile.Pending, error) {
	if err := commands.Validate(cmd); err != nil {
		return nil, err
	}
	id, err := parseID(cmd.ShareID, "share")
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, s.deleteMutation(aggregates.Key{Collection: entities.CollectionShares, ID: id}, entities.ActionShareRemoved))
}

type importData struct {
	paper   *reconcile.Pending
	paperID valueobjects.RecordID
}

// ImportPaper creates a paper and tags it. If tagging fails the paper is
// deleted again. The returned Pending tracks the paper's creation; the
// tagging step settles later and reports failures as session events.
func (s *VaultSession) ImportPaper(ctx context.Context, cmd commands.ImportPaper) (*reconcile.Pending, error) {
	if err := commands.Validate(cmd); err != nil {
		return nil, err
	}
	created, err := s.CreatePaper(ctx, cmd.Paper)
	if err != nil {
		return nil, err
	}
	if len(cmd.TagIDs) == 0 {
		return created, nil
	}

	saga := sagas.New[importData]("import_paper", s.logger)
	saga.AddStep(sagas.Step[importData]{
		Name: "create_paper",
		Execute: func(ctx context.Context, d *importData) error {
			res, err := d.paper.Wait(ctx)
			if err != nil {
				return err
			}
			d.paperID = res.Target.ID
			return nil
		},
		Compensate: func(ctx context.Context, d *importData) error {
			p, err := s.DeletePaper(ctx, commands.DeletePaper{PaperID: d.paperID.String()})
			if err != nil {
				return err
			}
			_, err = p.Wait(ctx)
			return err
		},
	})
	saga.AddStep(sagas.Step[importData]{
		Name: "apply_tags",
		Execute: func(ctx context.Context, d *importData) error {
			p, err := s.ApplyTags(ctx, commands.ApplyTags{PaperID: d.paperID.String(), TagIDs: cmd.TagIDs})
			if err != nil {
				return err
			}
			_, err = p.Wait(ctx)
			return err
		},
	})

	go func() {
		if err := saga.Execute(s.ctx, &importData{paper: created}); err != nil {
			s.logger.Warn("Paper import rolled back", zap.String("saga_id", saga.ID()), zap.Error(err))
		}
	}()
	return created, nil
}
