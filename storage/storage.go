package storage

import (
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"minutes-api/domain"
)

// Names lists the tables and queue the service works with.
type Names struct {
	MinutesTable string
	TasksTable   string
	ItemsTable   string
	EventsQueue  string
}

// Storage provides access to the minute documents, the item index, the task
// registry and the task events queue.
type Storage struct {
	minuteTable *aztables.Client
	taskTable   *aztables.Client
	itemTable   *aztables.Client
	eventQueue  queueClient

	queueConcurrency int
}

const defaultQueueConcurrency = 4

// New creates a Storage instance from the given connection string.
func New(connStr string, names Names) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, names.EventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		minuteTable: svc.NewClient(names.MinutesTable),
		taskTable:   svc.NewClient(names.TasksTable),
		itemTable:   svc.NewClient(names.ItemsTable),
		eventQueue:  eq,

		queueConcurrency: defaultQueueConcurrency,
	}, nil
}

// translateError maps Azure response codes onto domain errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return errors.Join(domain.ErrNotFound, err)
		case http.StatusConflict:
			return errors.Join(domain.ErrConflict, err)
		case http.StatusPreconditionFailed:
			return errors.Join(domain.ErrConcurrencyConflict, err)
		}
	}
	return err
}
