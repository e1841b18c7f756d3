// Package history keeps a record of training runs in an sqlite database.
package history

import (
	"database/sql"
	"time"

	"github.com/jnb666/celebattr/logger"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const schema = `
create table if not exists runs (
	id         integer primary key autoincrement,
	experiment text not null,
	started    integer not null,
	config     text not null default '',
	epochs     integer not null default 0,
	accuracy   real,
	f1         real
);
create table if not exists losses (
	run   integer not null references runs(id),
	epoch integer not null,
	step  integer not null,
	loss  real not null
);
create index if not exists losses_run on losses(run);
`

// DB is a handle to the history database
type DB struct {
	db *sql.DB
}

// Run is one training or evaluation run, Accuracy and F1 are only valid if Finished is set.
type Run struct {
	ID         int64
	Experiment string
	Started    time.Time
	Config     string
	Epochs     int
	Finished   bool
	Accuracy   float64
	F1         float64
}

// Loss is one logged training loss
type Loss struct {
	Epoch int
	Step  int
	Loss  float64
}

// Open the database at path, creating the tables if they do not exist
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open history %s", path)
	}
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "create history tables in %s", path)
	}
	return &DB{db: db}, nil
}

// Close the database
func (d *DB) Close() error {
	return d.db.Close()
}

// StartRun adds a new run and returns its id
func (d *DB) StartRun(experiment, config string) (int64, error) {
	res, err := d.db.Exec("insert into runs (experiment, started, config) values (?, ?, ?)",
		experiment, time.Now().Unix(), config)
	if err != nil {
		return 0, errors.Wrap(err, "start run")
	}
	return res.LastInsertId()
}

// AddLoss records the loss at a training step
func (d *DB) AddLoss(run int64, epoch, step int, loss float64) error {
	_, err := d.db.Exec("insert into losses (run, epoch, step, loss) values (?, ?, ?, ?)", run, epoch, step, loss)
	return errors.Wrap(err, "add loss")
}

// SetEpochs updates the number of completed epochs
func (d *DB) SetEpochs(run int64, epochs int) error {
	_, err := d.db.Exec("update runs set epochs = ? where id = ?", epochs, run)
	return errors.Wrap(err, "set epochs")
}

// Finish saves the evaluation results for the run
func (d *DB) Finish(run int64, accuracy, f1 float64) error {
	res, err := d.db.Exec("update runs set accuracy = ?, f1 = ? where id = ?", accuracy, f1, run)
	if err != nil {
		return errors.Wrap(err, "finish run")
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return errors.Errorf("finish run: run %d not found", run)
	}
	return nil
}

// Runs returns all runs for the experiment, or every run if experiment is blank, most recent first.
func (d *DB) Runs(experiment string) ([]Run, error) {
	query := "select id, experiment, started, config, epochs, accuracy, f1 from runs"
	var args []interface{}
	if experiment != "" {
		query += " where experiment = ?"
		args = append(args, experiment)
	}
	rows, err := d.db.Query(query+" order by id desc", args...)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		var acc, f1 sql.NullFloat64
		if err = rows.Scan(&r.ID, &r.Experiment, &started, &r.Config, &r.Epochs, &acc, &f1); err != nil {
			return nil, errors.Wrap(err, "list runs")
		}
		r.Started = time.Unix(started, 0)
		r.Finished = acc.Valid
		r.Accuracy, r.F1 = acc.Float64, f1.Float64
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Losses returns the logged losses for a run in step order
func (d *DB) Losses(run int64) ([]Loss, error) {
	rows, err := d.db.Query("select epoch, step, loss from losses where run = ? order by epoch, step", run)
	if err != nil {
		return nil, errors.Wrap(err, "list losses")
	}
	defer rows.Close()
	var res []Loss
	for rows.Next() {
		var l Loss
		if err = rows.Scan(&l.Epoch, &l.Step, &l.Loss); err != nil {
			return nil, errors.Wrap(err, "list losses")
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// Recorder saves training progress for one run, it implements the nnet.Monitor interface.
// Database errors are logged and do not stop training.
type Recorder struct {
	DB  *DB
	Run int64
}

// NewRecorder starts a new run
func (d *DB) NewRecorder(experiment, config string) (*Recorder, error) {
	id, err := d.StartRun(experiment, config)
	if err != nil {
		return nil, err
	}
	logger.Infof("history: started run %d for %s", id, experiment)
	return &Recorder{DB: d, Run: id}, nil
}

func (r *Recorder) OnStep(epoch, step, steps int, loss float64) {
	if err := r.DB.AddLoss(r.Run, epoch, step, loss); err != nil {
		logger.Warnf("history: %v", err)
	}
}

func (r *Recorder) OnEpoch(epoch int, steps []int, losses []float64) {
	if err := r.DB.SetEpochs(r.Run, epoch); err != nil {
		logger.Warnf("history: %v", err)
	}
}

// Finish saves the evaluation results
func (r *Recorder) Finish(accuracy, f1 float64) error {
	return r.DB.Finish(r.Run, accuracy, f1)
}
