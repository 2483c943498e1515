package broker

import (
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange 交换机声明
type Exchange struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // direct, topic, fanout, headers
}

// Queue 队列声明
type Queue struct {
	Name               string        `yaml:"name"`
	DeadLetterExchange string        `yaml:"dead_letter_exchange"`
	MessageTTL         time.Duration `yaml:"message_ttl"`
	MaxLength          int           `yaml:"max_length"`
}

// Binding 队列绑定
type Binding struct {
	Exchange   string `yaml:"exchange"`
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
}

// Topology 启动时读取的拓扑配置，运行期不可变
type Topology struct {
	Exchanges   []Exchange        `yaml:"exchanges"`
	Queues      []Queue           `yaml:"queues"`
	Bindings    []Binding         `yaml:"bindings"`
	RoutingKeys map[string]string `yaml:"routing_keys"` // 逻辑事件 -> routing key
}

var exchangeKinds = map[string]bool{
	amqp.ExchangeDirect:  true,
	amqp.ExchangeTopic:   true,
	amqp.ExchangeFanout:  true,
	amqp.ExchangeHeaders: true,
}

// Validate 检查绑定引用的交换机和队列都已声明
func (t Topology) Validate() error {
	exchanges := make(map[string]bool, len(t.Exchanges))
	for _, ex := range t.Exchanges {
		if strings.TrimSpace(ex.Name) == "" {
			return fmt.Errorf("%w: exchange name is empty", ErrInvalidTopology)
		}
		if !exchangeKinds[ex.Type] {
			return fmt.Errorf("%w: exchange %q has unsupported type %q", ErrInvalidTopology, ex.Name, ex.Type)
		}
		if exchanges[ex.Name] {
			return fmt.Errorf("%w: exchange %q declared twice", ErrInvalidTopology, ex.Name)
		}
		exchanges[ex.Name] = true
	}

	queues := make(map[string]bool, len(t.Queues))
	for _, q := range t.Queues {
		if strings.TrimSpace(q.Name) == "" {
			return fmt.Errorf("%w: queue name is empty", ErrInvalidTopology)
		}
		if queues[q.Name] {
			return fmt.Errorf("%w: queue %q declared twice", ErrInvalidTopology, q.Name)
		}
		if q.DeadLetterExchange != "" && !exchanges[q.DeadLetterExchange] {
			return fmt.Errorf("%w: queue %q references undeclared dead letter exchange %q", ErrInvalidTopology, q.Name, q.DeadLetterExchange)
		}
		queues[q.Name] = true
	}

	kinds := make(map[string]string, len(t.Exchanges))
	for _, ex := range t.Exchanges {
		kinds[ex.Name] = ex.Type
	}

	for _, b := range t.Bindings {
		if !exchanges[b.Exchange] {
			return fmt.Errorf("%w: binding references undeclared exchange %q", ErrInvalidTopology, b.Exchange)
		}
		if !queues[b.Queue] {
			return fmt.Errorf("%w: binding references undeclared queue %q", ErrInvalidTopology, b.Queue)
		}
		if b.RoutingKey == "" && kinds[b.Exchange] != amqp.ExchangeFanout {
			return fmt.Errorf("%w: binding %s -> %s has empty routing key", ErrInvalidTopology, b.Exchange, b.Queue)
		}
	}

	for event, key := range t.RoutingKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: event %q maps to empty routing key", ErrInvalidTopology, event)
		}
	}

	return nil
}

// RoutingKey 查找逻辑事件对应的 routing key
func (t Topology) RoutingKey(event string) (string, bool) {
	key, ok := t.RoutingKeys[event]
	return key, ok
}

// QueueNames 返回所有队列名称
func (t Topology) QueueNames() []string {
	names := make([]string, 0, len(t.Queues))
	for _, q := range t.Queues {
		names = append(names, q.Name)
	}
	return names
}

func (q Queue) arguments() amqp.Table {
	args := amqp.Table{}
	if q.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = q.DeadLetterExchange
	}
	if q.MessageTTL > 0 {
		args["x-message-ttl"] = q.MessageTTL.Milliseconds()
	}
	if q.MaxLength > 0 {
		args["x-max-length"] = q.MaxLength
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// declare 声明交换机、队列和绑定（durable，非 exclusive，非 auto-delete）
func (t Topology) declare(ch Channel) error {
	for _, ex := range t.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Type, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s failed: %w", ex.Name, err)
		}
	}

	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, q.arguments()); err != nil {
			return fmt.Errorf("declare queue %s failed: %w", q.Name, err)
		}
	}

	for _, b := range t.Bindings {
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s failed: %w", b.Queue, b.Exchange, err)
		}
	}

	return nil
}
